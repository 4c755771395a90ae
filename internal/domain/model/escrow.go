package model

import (
	"time"

	"github.com/google/uuid"
)

type EscrowStatus string

const (
	EscrowStatusOpen     EscrowStatus = "open"
	EscrowStatusClaimed  EscrowStatus = "claimed"
	EscrowStatusRefunded EscrowStatus = "refunded"
	// EscrowStatusExpired marks a hold whose refund failed; funds remain in the
	// vault pending operator action.
	EscrowStatusExpired EscrowStatus = "expired"
)

func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowStatusClaimed, EscrowStatusRefunded, EscrowStatusExpired:
		return true
	}
	return false
}

func (s EscrowStatus) Valid() bool {
	return s == EscrowStatusOpen || s.IsTerminal()
}

// Escrow is a time-boxed custodial hold for a payee without a linked account.
type Escrow struct {
	ID               uuid.UUID      `db:"id"`
	ClientIntentID   string         `db:"client_intent_id"`
	ClaimReference   string         `db:"claim_reference"`
	PayerIdentity    string         `db:"payer_identity"`
	PayerAccount     string         `db:"payer_account"`
	PayeeHandle      string         `db:"payee_handle"`
	PayeeAccount     *string        `db:"payee_account"`
	AssetID          string         `db:"asset_id"`
	AmountRaw        uint64         `db:"amount_raw"`
	FeeRaw           uint64         `db:"fee_raw"`
	VaultAddress     string         `db:"vault_address"`
	Note             *string        `db:"note"`
	Metadata         EscrowMetadata `db:"metadata"`
	Status           EscrowStatus   `db:"status"`
	ExpiresAt        time.Time      `db:"expires_at"`
	FundingSignature *string        `db:"funding_signature"`
	ReleaseSignature *string        `db:"release_signature"`
	FailureReason    *string        `db:"failure_reason"`
	LeaseToken       *uuid.UUID     `db:"lease_token"`
	LeaseExpiresAt   *time.Time     `db:"lease_expires_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	ResolvedAt       *time.Time     `db:"resolved_at"`
}

// HeldRaw is everything the vault custodies: principal plus withheld fee.
func (e *Escrow) HeldRaw() uint64 {
	return e.AmountRaw + e.FeeRaw
}

// IsExpired reports whether the hold is past its expiry at now.
func (e *Escrow) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// EscrowFinalization is the conditional terminal update applied under a lease.
type EscrowFinalization struct {
	EscrowID         uuid.UUID
	LeaseToken       uuid.UUID
	To               EscrowStatus
	PayeeAccount     *string
	ReleaseSignature *string
	FailureReason    *string
	ResolvedAt       time.Time
}

// VaultSecret is the sealed private key of an escrow vault. It lives in its own
// table and is deleted on any terminal escrow transition.
type VaultSecret struct {
	EscrowID     uuid.UUID `db:"escrow_id"`
	VaultAddress string    `db:"vault_address"`
	SealedKey    []byte    `db:"sealed_key"`
	CreatedAt    time.Time `db:"created_at"`
}
