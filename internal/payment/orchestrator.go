// Package payment composes the settlement components into the operations the
// conversational front-end calls: fee preview, payment submission and
// confirmation, escrow creation and claiming.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/escrow"
	"github.com/emperorhan/chatpay-settlement/internal/fee"
	"github.com/emperorhan/chatpay-settlement/internal/idempotency"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/ratelimit"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/google/uuid"
)

// AccountDirectory maps chat handles to linked settlement accounts.
type AccountDirectory interface {
	Lookup(ctx context.Context, handle string) (address string, found bool, err error)
}

// AssetResolver is the read side of the token registry.
type AssetResolver interface {
	Resolve(ctx context.Context, tickerOrID string) (model.Asset, error)
}

type Config struct {
	// WaitTimeout bounds how long a duplicate confirmation waits for the
	// first attempt.
	WaitTimeout time.Duration
	EscrowTTL   time.Duration
	Network     string
}

type Orchestrator struct {
	store     store.Store
	assets    AssetResolver
	directory AccountDirectory
	governor  *ratelimit.Governor
	idem      *idempotency.Manager
	fees      *fee.Engine
	exec      escrow.Executor
	escrows   *escrow.Manager
	alerter   alert.Alerter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Deps groups the orchestrator's collaborators.
type Deps struct {
	Store       store.Store
	Assets      AssetResolver
	Directory   AccountDirectory
	Governor    *ratelimit.Governor
	Idempotency *idempotency.Manager
	Fees        *fee.Engine
	Executor    escrow.Executor
	Escrows     *escrow.Manager
	Alerter     alert.Alerter
}

func NewOrchestrator(d Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 45 * time.Second
	}
	alerter := d.Alerter
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Orchestrator{
		store:     d.Store,
		assets:    d.Assets,
		directory: d.Directory,
		governor:  d.Governor,
		idem:      d.Idempotency,
		fees:      d.Fees,
		exec:      d.Executor,
		escrows:   d.Escrows,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.With("component", "payment_orchestrator"),
		now:       time.Now,
	}
}

// FeePreview is a priced quote for display before submission.
type FeePreview struct {
	Asset model.Asset `json:"asset"`
	fee.Quote
}

// PreviewFee prices amountRaw of the given asset without side effects.
func (o *Orchestrator) PreviewFee(ctx context.Context, assetTicker string, amountRaw uint64, kind model.PaymentKind) (FeePreview, error) {
	if kind == "" {
		kind = model.PaymentKindDirect
	}
	asset, err := o.assets.Resolve(ctx, assetTicker)
	if err != nil {
		return FeePreview{}, err
	}
	q, err := o.fees.For(kind, amountRaw, asset.ID, nil)
	if err != nil {
		return FeePreview{}, err
	}
	return FeePreview{Asset: asset, Quote: q}, nil
}

// CheckRateLimit is an advisory probe. It charges the bucket like any other
// request would.
func (o *Orchestrator) CheckRateLimit(ctx context.Context, identifier string, op ratelimit.Operation) bool {
	return o.governor.Allow(ctx, identifier, op)
}

// GetPayment returns a payment by id.
func (o *Orchestrator) GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	p, err := o.store.Repos().Payments.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.New(failure.NotFound, "payment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment %s: %w", id, err)
	}
	return p, nil
}

// Outcome is the externally visible result of a settled operation.
type Outcome struct {
	PaymentID      *uuid.UUID `json:"payment_id,omitempty"`
	EscrowID       *uuid.UUID `json:"escrow_id,omitempty"`
	ClaimReference string     `json:"claim_reference,omitempty"`
	Status         string     `json:"status"`
	Signature      string     `json:"signature,omitempty"`
	AssetID        string     `json:"asset_id"`
	// DeliveredRaw is what the recipient or escrow payee receives.
	DeliveredRaw uint64 `json:"delivered_raw"`
}

func (o *Orchestrator) rateLimit(ctx context.Context, operation, identity, chatID string, op ratelimit.Operation) error {
	if chatID != "" && !o.governor.SpamCheck(ctx, chatID, identity) {
		return o.reject(operation, failure.New(failure.RateLimited, "this chat is sending commands too quickly, please wait a moment"))
	}
	if err := o.governor.Check(ctx, identity, op); err != nil {
		return o.reject(operation, err)
	}
	return nil
}

// reject counts a rejected operation and passes err through.
func (o *Orchestrator) reject(operation string, err error) error {
	metrics.PaymentRejections.WithLabelValues(operation, string(failure.KindOf(err))).Inc()
	return err
}

// account resolves an address or a registered handle. found is false for a
// well-formed handle with no linked account.
func (o *Orchestrator) account(ctx context.Context, addressOrHandle string) (address, handle string, found bool, err error) {
	v := strings.TrimSpace(addressOrHandle)
	if v == "" {
		return "", "", false, failure.New(failure.InvalidInput, "an account or handle is required")
	}
	if isAddress(v) {
		return v, "", true, nil
	}
	handle = strings.TrimPrefix(v, "@")
	if handle == "" || strings.ContainsAny(handle, " \t\n") {
		return "", "", false, failure.New(failure.InvalidInput, "%q is neither an address nor a handle", addressOrHandle)
	}
	if o.directory == nil {
		return "", handle, false, nil
	}
	address, found, err = o.directory.Lookup(ctx, handle)
	if err != nil {
		return "", "", false, fmt.Errorf("look up %s: %w", handle, err)
	}
	if found && !isAddress(address) {
		return "", "", false, failure.New(failure.InternalInconsistency, "handle %s is linked to malformed account %q", handle, address)
	}
	return address, handle, found, nil
}

func (o *Orchestrator) assetByID(ctx context.Context, id string) (model.Asset, error) {
	if id == model.NativeAssetID {
		return model.NativeAsset(), nil
	}
	a, err := o.store.Repos().Assets.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Asset{}, failure.New(failure.NotFound, "asset %s is not registered", id)
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("find asset %s: %w", id, err)
	}
	return *a, nil
}

func (o *Orchestrator) alert(ctx context.Context, typ alert.AlertType, subject, title, message string, fields map[string]string) {
	if err := o.alerter.Send(context.WithoutCancel(ctx), alert.Alert{
		Type:    typ,
		Network: o.cfg.Network,
		Subject: subject,
		Title:   title,
		Message: message,
		Fields:  fields,
	}); err != nil {
		o.logger.Warn("alert delivery failed", "subject", subject, "type", typ, "error", err)
	}
}
