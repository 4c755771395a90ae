package payment

import (
	"context"
	"strings"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/escrow"
	"github.com/emperorhan/chatpay-settlement/internal/idempotency"
	"github.com/emperorhan/chatpay-settlement/internal/ratelimit"
	"github.com/google/uuid"
)

// EscrowRequest funds a hold for a handle directly, e.g. a giveaway pot or
// an untargeted "first to claim" drop.
type EscrowRequest struct {
	ClientIntentID string
	Identity       string
	ChatID         string
	FromAccount    string
	PayeeHandle    string
	Asset          string
	AmountRaw      uint64
	Targeted       bool
	Note           *string
	TTL            time.Duration
	CustomBPS      *uint64
}

// EscrowReceipt identifies a funded escrow.
type EscrowReceipt struct {
	EscrowID       uuid.UUID `json:"escrow_id"`
	ClaimReference string    `json:"claim_reference"`
	VaultAddress   string    `json:"vault_address"`
	HeldRaw        uint64    `json:"held_raw"`
	ExpiresAt      time.Time `json:"expires_at"`
	Signature      string    `json:"signature"`
}

// CreateEscrow prices and funds an escrow once per intent.
func (o *Orchestrator) CreateEscrow(ctx context.Context, req EscrowRequest) (EscrowReceipt, error) {
	if strings.TrimSpace(req.Identity) == "" {
		return EscrowReceipt{}, failure.New(failure.InvalidInput, "sender identity is required")
	}
	if err := o.rateLimit(ctx, "escrow_create", req.Identity, req.ChatID, ratelimit.OpPayment); err != nil {
		return EscrowReceipt{}, err
	}
	asset, err := o.assets.Resolve(ctx, req.Asset)
	if err != nil {
		return EscrowReceipt{}, o.reject("escrow_create", err)
	}
	from := req.FromAccount
	if from == "" {
		address, _, found, err := o.account(ctx, req.Identity)
		if err != nil {
			return EscrowReceipt{}, o.reject("escrow_create", err)
		}
		if !found {
			return EscrowReceipt{}, o.reject("escrow_create", failure.New(failure.NotFound, "%s has no linked account to pay from", req.Identity))
		}
		from = address
	}
	q, err := o.fees.Calculate(req.AmountRaw, asset.ID, req.CustomBPS)
	if err != nil {
		return EscrowReceipt{}, o.reject("escrow_create", err)
	}

	intentID := req.ClientIntentID
	if intentID == "" {
		intentID, err = idempotency.GenerateIntentID(req.Identity, "escrow", struct {
			From     string `json:"from"`
			Payee    string `json:"payee"`
			Asset    string `json:"asset"`
			Amount   uint64 `json:"amount"`
			Targeted bool   `json:"targeted"`
		}{from, req.PayeeHandle, asset.ID, req.AmountRaw, req.Targeted}, o.now())
		if err != nil {
			return EscrowReceipt{}, err
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = o.cfg.EscrowTTL
	}
	receipt, err := idempotency.Do(ctx, o.idem, "escrow:"+intentID, o.cfg.WaitTimeout, func(ctx context.Context) (EscrowReceipt, error) {
		e, err := o.escrows.Create(ctx, escrow.CreateParams{
			ClientIntentID:    intentID,
			PayerIdentity:     req.Identity,
			PayerAccount:      from,
			PayeeHandle:       req.PayeeHandle,
			Asset:             asset,
			AmountRaw:         req.AmountRaw,
			FeeRaw:            q.NetworkFeeRaw,
			ServiceFeeRaw:     q.ServiceFeeRaw,
			ServiceFeeAssetID: q.ServiceFeeAssetID,
			Note:              req.Note,
			Metadata:          model.EscrowMetadata{ChatID: req.ChatID, Targeted: req.Targeted},
			TTL:               ttl,
		})
		if err != nil {
			return EscrowReceipt{}, err
		}
		return EscrowReceipt{
			EscrowID:       e.ID,
			ClaimReference: e.ClaimReference,
			VaultAddress:   e.VaultAddress,
			HeldRaw:        e.HeldRaw(),
			ExpiresAt:      e.ExpiresAt,
			Signature:      deref(e.FundingSignature),
		}, nil
	})
	if err != nil {
		return EscrowReceipt{}, o.reject("escrow_create", err)
	}
	return receipt, nil
}

// ClaimRequest names the escrow by id or by claim reference.
type ClaimRequest struct {
	EscrowID  *uuid.UUID
	Reference string
	Identity  string
	ChatID    string
	// Account receives the funds. Defaults to the claimer's linked account.
	Account string
}

// ClaimEscrow releases an open escrow to the claimer.
func (o *Orchestrator) ClaimEscrow(ctx context.Context, req ClaimRequest) (Outcome, error) {
	if strings.TrimSpace(req.Identity) == "" {
		return Outcome{}, failure.New(failure.InvalidInput, "claimer identity is required")
	}
	if err := o.rateLimit(ctx, "escrow_claim", req.Identity, req.ChatID, ratelimit.OpWallet); err != nil {
		return Outcome{}, err
	}

	account := req.Account
	if account == "" {
		address, _, found, err := o.account(ctx, req.Identity)
		if err != nil {
			return Outcome{}, o.reject("escrow_claim", err)
		}
		if !found {
			return Outcome{}, o.reject("escrow_claim", failure.New(failure.NotFound, "link an account before claiming"))
		}
		account = address
	}

	claimer := escrow.Claimer{Identity: req.Identity, Account: account}
	var (
		e   *model.Escrow
		err error
	)
	switch {
	case req.EscrowID != nil:
		e, err = o.escrows.Claim(ctx, *req.EscrowID, claimer)
	case strings.TrimSpace(req.Reference) != "":
		e, err = o.escrows.ClaimByReference(ctx, req.Reference, claimer)
	default:
		err = failure.New(failure.InvalidInput, "an escrow id or claim reference is required")
	}
	if err != nil {
		return Outcome{}, o.reject("escrow_claim", err)
	}

	return Outcome{
		EscrowID:       &e.ID,
		ClaimReference: e.ClaimReference,
		Status:         string(e.Status),
		Signature:      deref(e.ReleaseSignature),
		AssetID:        e.AssetID,
		DeliveredRaw:   e.AmountRaw,
	}, nil
}
