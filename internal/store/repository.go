package store

import (
	"context"
	"errors"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("record already exists")
)

// AssetRepository provides access to the asset registry.
type AssetRepository interface {
	FindByID(ctx context.Context, id string) (*model.Asset, error)
	// FindByTicker matches enabled assets only; tickers are unique among them.
	FindByTicker(ctx context.Context, ticker string) (*model.Asset, error)
	Create(ctx context.Context, asset *model.Asset) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	List(ctx context.Context) ([]model.Asset, error)
}

// PaymentRepository provides access to payment records.
type PaymentRepository interface {
	// CreateIfNotExists inserts p unless its client intent id is taken, in
	// which case the existing record is returned with created=false.
	CreateIfNotExists(ctx context.Context, p *model.Payment) (stored *model.Payment, created bool, err error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	FindByClientIntentID(ctx context.Context, clientIntentID string) (*model.Payment, error)
	// Transition applies t only while the record is still in status from.
	Transition(ctx context.Context, id uuid.UUID, from model.PaymentStatus, t model.PaymentTransition) (bool, error)
	// PurgeFailedBefore deletes failed payments last updated before cutoff.
	PurgeFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EscrowRepository provides access to escrow records.
type EscrowRepository interface {
	Create(ctx context.Context, e *model.Escrow) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Escrow, error)
	FindByClaimReference(ctx context.Context, ref string) (*model.Escrow, error)
	// SetFundingSignature records the funding transaction of an open escrow.
	SetFundingSignature(ctx context.Context, id uuid.UUID, signature string) error
	// Delete removes an escrow whose funding definitively failed.
	Delete(ctx context.Context, id uuid.UUID) error
	// AcquireLease takes the release lease on an open escrow whose current
	// lease is absent or lapsed. mustBeLive additionally requires now <
	// expires_at (claims); otherwise expires_at <= now is required (sweeps).
	// Returns nil when the conditions do not hold.
	AcquireLease(ctx context.Context, id, token uuid.UUID, now, until time.Time, mustBeLive bool) (*model.Escrow, error)
	// ReleaseLease clears a lease held by token without changing status.
	ReleaseLease(ctx context.Context, id, token uuid.UUID) error
	// Finalize applies a terminal transition while f.LeaseToken still holds the lease.
	Finalize(ctx context.Context, f model.EscrowFinalization) (bool, error)
	// ListExpiredOpen returns open escrows past expiry, oldest first.
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]model.Escrow, error)
	ListByStatus(ctx context.Context, status model.EscrowStatus, limit int) ([]model.Escrow, error)
}

// VaultSecretRepository holds sealed escrow vault keys, one per escrow.
type VaultSecretRepository interface {
	Put(ctx context.Context, s *model.VaultSecret) error
	Get(ctx context.Context, escrowID uuid.UUID) (*model.VaultSecret, error)
	Delete(ctx context.Context, escrowID uuid.UUID) error
}

// Repos groups the repositories one unit of work may touch.
type Repos struct {
	Assets       AssetRepository
	Payments     PaymentRepository
	Escrows      EscrowRepository
	VaultSecrets VaultSecretRepository
}

// Transactor runs fn atomically: every write through the given Repos commits
// together or not at all.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}

// Store is a full persistence backend.
type Store interface {
	Transactor
	Repos() Repos
	Ping(ctx context.Context) error
	Close() error
}
