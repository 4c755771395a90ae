package model

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusAwaitingConfirmation PaymentStatus = "awaiting_confirmation"
	PaymentStatusSent                 PaymentStatus = "sent"
	PaymentStatusFailed               PaymentStatus = "failed"
	PaymentStatusCancelled            PaymentStatus = "cancelled"
)

// IsTerminal reports whether no transition may leave s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSent, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal payment transition.
// Only awaiting_confirmation has outgoing edges.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	if s != PaymentStatusAwaitingConfirmation {
		return false
	}
	return to.IsTerminal()
}

// Payment is a transfer request and its outcome. Amounts are base units.
type Payment struct {
	ID                uuid.UUID       `db:"id"`
	ClientIntentID    string          `db:"client_intent_id"`
	Kind              PaymentKind     `db:"kind"`
	FromAccount       string          `db:"from_account"`
	ToAccount         string          `db:"to_account"`
	AssetID           string          `db:"asset_id"`
	GrossAmountRaw    uint64          `db:"gross_amount_raw"`
	NetworkFeeRaw     uint64          `db:"network_fee_raw"`
	ServiceFeeRaw     uint64          `db:"service_fee_raw"`
	ServiceFeeAssetID string          `db:"service_fee_asset_id"`
	Note              *string         `db:"note"`
	Metadata          PaymentMetadata `db:"metadata"`
	Status            PaymentStatus   `db:"status"`
	LedgerSignature   *string         `db:"ledger_signature"`
	ErrorMessage      *string         `db:"error_message"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// NetRaw is the principal the recipient receives.
func (p *Payment) NetRaw() uint64 {
	if p.NetworkFeeRaw >= p.GrossAmountRaw {
		return 0
	}
	return p.GrossAmountRaw - p.NetworkFeeRaw
}

// PaymentTransition is a single status change applied by the orchestrator.
type PaymentTransition struct {
	To           PaymentStatus
	Signature    *string
	ErrorMessage *string
}
