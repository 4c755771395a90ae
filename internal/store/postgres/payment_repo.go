package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/google/uuid"
)

type PaymentRepo struct {
	q querier
}

func NewPaymentRepo(db *DB) *PaymentRepo {
	return &PaymentRepo{q: db}
}

const paymentColumns = `id, client_intent_id, kind, from_account, to_account, asset_id,
	gross_amount_raw, network_fee_raw, service_fee_raw, service_fee_asset_id,
	note, metadata, status, ledger_signature, error_message, created_at, updated_at`

func scanPayment(row scanner) (*model.Payment, error) {
	var (
		p        model.Payment
		metadata []byte
	)
	if err := row.Scan(
		&p.ID, &p.ClientIntentID, &p.Kind, &p.FromAccount, &p.ToAccount, &p.AssetID,
		&p.GrossAmountRaw, &p.NetworkFeeRaw, &p.ServiceFeeRaw, &p.ServiceFeeAssetID,
		&p.Note, &metadata, &p.Status, &p.LedgerSignature, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m, err := model.UnmarshalPaymentMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	p.Metadata = m
	return &p, nil
}

// CreateIfNotExists relies on the client_intent_id unique key, so concurrent
// submissions of one intent resolve to a single row.
func (r *PaymentRepo) CreateIfNotExists(ctx context.Context, p *model.Payment) (*model.Payment, bool, error) {
	metadata, err := model.MarshalPaymentMetadata(p.Metadata)
	if err != nil {
		return nil, false, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err = r.q.QueryRowContext(ctx, `
		INSERT INTO payments (
			id, client_intent_id, kind, from_account, to_account, asset_id,
			gross_amount_raw, network_fee_raw, service_fee_raw, service_fee_asset_id,
			note, metadata, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (client_intent_id) DO NOTHING
		RETURNING created_at, updated_at
	`, p.ID, p.ClientIntentID, p.Kind, p.FromAccount, p.ToAccount, p.AssetID,
		numeric(p.GrossAmountRaw), numeric(p.NetworkFeeRaw), numeric(p.ServiceFeeRaw), p.ServiceFeeAssetID,
		p.Note, metadata, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, ferr := r.FindByClientIntentID(ctx, p.ClientIntentID)
		if ferr != nil {
			return nil, false, fmt.Errorf("load existing payment: %w", ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create payment: %w", err)
	}
	stored := *p
	return &stored, true, nil
}

func (r *PaymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	p, err := scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by id: %w", err)
	}
	return p, nil
}

func (r *PaymentRepo) FindByClientIntentID(ctx context.Context, clientIntentID string) (*model.Payment, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	p, err := scanPayment(r.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE client_intent_id = $1`, clientIntentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by intent: %w", err)
	}
	return p, nil
}

func (r *PaymentRepo) Transition(ctx context.Context, id uuid.UUID, from model.PaymentStatus, t model.PaymentTransition) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $3, ledger_signature = $4, error_message = $5, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, t.To, t.Signature, t.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("transition payment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition payment %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := r.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check payment %s: %w", id, err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (r *PaymentRepo) PurgeFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx,
		`DELETE FROM payments WHERE status = $1 AND updated_at < $2`,
		model.PaymentStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge failed payments: %w", err)
	}
	return res.RowsAffected()
}
