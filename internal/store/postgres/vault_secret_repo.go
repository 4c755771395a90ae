package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/google/uuid"
)

type VaultSecretRepo struct {
	q querier
}

func NewVaultSecretRepo(db *DB) *VaultSecretRepo {
	return &VaultSecretRepo{q: db}
}

func (r *VaultSecretRepo) Put(ctx context.Context, s *model.VaultSecret) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO vault_secrets (escrow_id, vault_address, sealed_key)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, s.EscrowID, s.VaultAddress, s.SealedKey).Scan(&s.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("put vault secret: %w", err)
	}
	return nil
}

func (r *VaultSecretRepo) Get(ctx context.Context, escrowID uuid.UUID) (*model.VaultSecret, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var s model.VaultSecret
	err := r.q.QueryRowContext(ctx, `
		SELECT escrow_id, vault_address, sealed_key, created_at
		FROM vault_secrets
		WHERE escrow_id = $1
	`, escrowID).Scan(&s.EscrowID, &s.VaultAddress, &s.SealedKey, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault secret: %w", err)
	}
	return &s, nil
}

func (r *VaultSecretRepo) Delete(ctx context.Context, escrowID uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `DELETE FROM vault_secrets WHERE escrow_id = $1`, escrowID); err != nil {
		return fmt.Errorf("delete vault secret: %w", err)
	}
	return nil
}
