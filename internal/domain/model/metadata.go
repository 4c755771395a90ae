package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type PaymentKind string

const (
	PaymentKindDirect        PaymentKind = "direct"
	PaymentKindTip           PaymentKind = "tip"
	PaymentKindWithdrawal    PaymentKind = "withdrawal"
	PaymentKindGiveaway      PaymentKind = "giveaway"
	PaymentKindEscrowFunding PaymentKind = "escrow_funding"
)

// FeeExempt reports whether transfers of this kind carry no fee legs.
func (k PaymentKind) FeeExempt() bool {
	return k == PaymentKindWithdrawal || k == PaymentKindGiveaway
}

// PaymentMetadata is the per-kind payload attached to a payment. Exactly one
// concrete type exists per PaymentKind.
type PaymentMetadata interface {
	Kind() PaymentKind
	Validate() error
}

type DirectMetadata struct {
	ChatID string `json:"chat_id,omitempty"`
}

func (DirectMetadata) Kind() PaymentKind { return PaymentKindDirect }
func (DirectMetadata) Validate() error   { return nil }

type TipMetadata struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
}

func (TipMetadata) Kind() PaymentKind { return PaymentKindTip }

func (m TipMetadata) Validate() error {
	if strings.TrimSpace(m.ChatID) == "" {
		return fmt.Errorf("tip metadata: chat id is required")
	}
	return nil
}

type WithdrawalMetadata struct {
	Destination string `json:"destination"`
}

func (WithdrawalMetadata) Kind() PaymentKind { return PaymentKindWithdrawal }

func (m WithdrawalMetadata) Validate() error {
	if strings.TrimSpace(m.Destination) == "" {
		return fmt.Errorf("withdrawal metadata: destination is required")
	}
	return nil
}

type GiveawayMetadata struct {
	GiveawayID string `json:"giveaway_id"`
}

func (GiveawayMetadata) Kind() PaymentKind { return PaymentKindGiveaway }

func (m GiveawayMetadata) Validate() error {
	if strings.TrimSpace(m.GiveawayID) == "" {
		return fmt.Errorf("giveaway metadata: giveaway id is required")
	}
	return nil
}

type EscrowFundingMetadata struct {
	EscrowID      string `json:"escrow_id,omitempty"`
	PayeeHandle   string `json:"payee_handle"`
	PayerIdentity string `json:"payer_identity,omitempty"`
	ChatID        string `json:"chat_id,omitempty"`
}

func (EscrowFundingMetadata) Kind() PaymentKind { return PaymentKindEscrowFunding }

func (m EscrowFundingMetadata) Validate() error {
	if strings.TrimSpace(m.PayeeHandle) == "" {
		return fmt.Errorf("escrow funding metadata: payee handle is required")
	}
	return nil
}

type metadataEnvelope struct {
	Kind PaymentKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPaymentMetadata encodes m with its kind discriminator.
func MarshalPaymentMetadata(m PaymentMetadata) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("payment metadata is nil")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s metadata: %w", m.Kind(), err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
}

// UnmarshalPaymentMetadata decodes a discriminated metadata payload and
// validates it.
func UnmarshalPaymentMetadata(raw []byte) (PaymentMetadata, error) {
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal metadata envelope: %w", err)
	}

	var m PaymentMetadata
	switch env.Kind {
	case PaymentKindDirect:
		var v DirectMetadata
		if err := decodeMetadata(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case PaymentKindTip:
		var v TipMetadata
		if err := decodeMetadata(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case PaymentKindWithdrawal:
		var v WithdrawalMetadata
		if err := decodeMetadata(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case PaymentKindGiveaway:
		var v GiveawayMetadata
		if err := decodeMetadata(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case PaymentKindEscrowFunding:
		var v EscrowFundingMetadata
		if err := decodeMetadata(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	default:
		return nil, fmt.Errorf("unknown payment metadata kind %q", env.Kind)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeMetadata(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal metadata data: %w", err)
	}
	return nil
}

// EscrowMetadata is the payload attached to an escrow hold.
type EscrowMetadata struct {
	ChatID      string `json:"chat_id,omitempty"`
	PayeeHandle string `json:"payee_handle"`
	// Targeted escrows may only be claimed by the identity named in PayeeHandle.
	Targeted bool `json:"targeted"`
}

func (m EscrowMetadata) Validate() error {
	if m.Targeted && strings.TrimSpace(m.PayeeHandle) == "" {
		return fmt.Errorf("escrow metadata: targeted escrow requires a payee handle")
	}
	return nil
}
