package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/store"
)

type AssetRepo struct {
	q querier
}

func NewAssetRepo(db *DB) *AssetRepo {
	return &AssetRepo{q: db}
}

const assetColumns = `id, ticker, name, decimals, kind, enabled, created_at, updated_at`

func scanAsset(row scanner) (*model.Asset, error) {
	var a model.Asset
	if err := row.Scan(&a.ID, &a.Ticker, &a.Name, &a.Decimals, &a.Kind, &a.Enabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AssetRepo) FindByID(ctx context.Context, id string) (*model.Asset, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	a, err := scanAsset(r.q.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find asset by id: %w", err)
	}
	return a, nil
}

func (r *AssetRepo) FindByTicker(ctx context.Context, ticker string) (*model.Asset, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	a, err := scanAsset(r.q.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE ticker = $1 AND enabled`,
		model.NormalizeTicker(ticker)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find asset by ticker: %w", err)
	}
	return a, nil
}

func (r *AssetRepo) Create(ctx context.Context, a *model.Asset) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO assets (id, ticker, name, decimals, kind, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, a.ID, a.Ticker, a.Name, a.Decimals, a.Kind, a.Enabled).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

func (r *AssetRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `UPDATE assets SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("set asset enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set asset enabled: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *AssetRepo) List(ctx context.Context) ([]model.Asset, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY ticker, id`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
