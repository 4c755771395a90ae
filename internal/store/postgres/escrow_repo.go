package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/google/uuid"
)

type EscrowRepo struct {
	q querier
}

func NewEscrowRepo(db *DB) *EscrowRepo {
	return &EscrowRepo{q: db}
}

const escrowColumns = `id, client_intent_id, claim_reference, payer_identity, payer_account,
	payee_handle, payee_account, asset_id, amount_raw, fee_raw, vault_address, note, metadata,
	status, expires_at, funding_signature, release_signature, failure_reason,
	lease_token, lease_expires_at, created_at, updated_at, resolved_at`

func scanEscrow(row scanner) (*model.Escrow, error) {
	var (
		e        model.Escrow
		metadata []byte
	)
	if err := row.Scan(
		&e.ID, &e.ClientIntentID, &e.ClaimReference, &e.PayerIdentity, &e.PayerAccount,
		&e.PayeeHandle, &e.PayeeAccount, &e.AssetID, &e.AmountRaw, &e.FeeRaw, &e.VaultAddress, &e.Note, &metadata,
		&e.Status, &e.ExpiresAt, &e.FundingSignature, &e.ReleaseSignature, &e.FailureReason,
		&e.LeaseToken, &e.LeaseExpiresAt, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("escrow %s metadata: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (r *EscrowRepo) Create(ctx context.Context, e *model.Escrow) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal escrow metadata: %w", err)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err = r.q.QueryRowContext(ctx, `
		INSERT INTO escrows (
			id, client_intent_id, claim_reference, payer_identity, payer_account,
			payee_handle, asset_id, amount_raw, fee_raw, vault_address, note, metadata,
			status, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, e.ID, e.ClientIntentID, e.ClaimReference, e.PayerIdentity, e.PayerAccount,
		e.PayeeHandle, e.AssetID, numeric(e.AmountRaw), numeric(e.FeeRaw), e.VaultAddress, e.Note, metadata,
		e.Status, e.ExpiresAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create escrow: %w", err)
	}
	return nil
}

func (r *EscrowRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Escrow, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	e, err := scanEscrow(r.q.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find escrow by id: %w", err)
	}
	return e, nil
}

func (r *EscrowRepo) FindByClaimReference(ctx context.Context, ref string) (*model.Escrow, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	e, err := scanEscrow(r.q.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE claim_reference = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find escrow by reference: %w", err)
	}
	return e, nil
}

func (r *EscrowRepo) SetFundingSignature(ctx context.Context, id uuid.UUID, signature string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx,
		`UPDATE escrows SET funding_signature = $2, updated_at = now() WHERE id = $1`, id, signature)
	if err != nil {
		return fmt.Errorf("set funding signature: %w", err)
	}
	return requireRow(res, "set funding signature")
}

func (r *EscrowRepo) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `DELETE FROM escrows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete escrow: %w", err)
	}
	return nil
}

// AcquireLease is a single conditional UPDATE, so two workers racing for the
// same escrow cannot both win.
func (r *EscrowRepo) AcquireLease(ctx context.Context, id, token uuid.UUID, now, until time.Time, mustBeLive bool) (*model.Escrow, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	e, err := scanEscrow(r.q.QueryRowContext(ctx, `
		UPDATE escrows
		SET lease_token = $2, lease_expires_at = $4, updated_at = $3
		WHERE id = $1
		  AND status = 'open'
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
		  AND (expires_at > $3) = $5
		RETURNING `+escrowColumns,
		id, token, now, until, mustBeLive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire escrow lease: %w", err)
	}
	return e, nil
}

func (r *EscrowRepo) ReleaseLease(ctx context.Context, id, token uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		UPDATE escrows
		SET lease_token = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND lease_token = $2
	`, id, token); err != nil {
		return fmt.Errorf("release escrow lease: %w", err)
	}
	return nil
}

func (r *EscrowRepo) Finalize(ctx context.Context, f model.EscrowFinalization) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE escrows
		SET status = $3,
		    payee_account = $4,
		    release_signature = $5,
		    failure_reason = $6,
		    resolved_at = $7,
		    updated_at = $7,
		    lease_token = NULL,
		    lease_expires_at = NULL
		WHERE id = $1 AND status = 'open' AND lease_token = $2
	`, f.EscrowID, f.LeaseToken, f.To, f.PayeeAccount, f.ReleaseSignature, f.FailureReason, f.ResolvedAt)
	if err != nil {
		return false, fmt.Errorf("finalize escrow %s: %w", f.EscrowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize escrow %s: %w", f.EscrowID, err)
	}
	if n == 1 {
		return true, nil
	}
	return false, r.missing(ctx, f.EscrowID)
}

func (r *EscrowRepo) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]model.Escrow, error) {
	return r.list(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'open' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limitArg(limit))
}

func (r *EscrowRepo) ListByStatus(ctx context.Context, status model.EscrowStatus, limit int) ([]model.Escrow, error) {
	return r.list(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limitArg(limit))
}

func (r *EscrowRepo) list(ctx context.Context, query string, args ...any) ([]model.Escrow, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []model.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// missing returns store.ErrNotFound when id has no row and nil otherwise, so a
// failed conditional update can be told apart from an unknown escrow.
func (r *EscrowRepo) missing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check escrow %s: %w", id, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
