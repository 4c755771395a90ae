package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/lib/pq"
)

// Store is the PostgreSQL persistence backend.
type Store struct {
	db *DB
}

var _ store.Store = (*Store)(nil)

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Repos() store.Repos {
	return reposFor(s.db)
}

func reposFor(q querier) store.Repos {
	return store.Repos{
		Assets:       &AssetRepo{q: q},
		Payments:     &PaymentRepo{q: q},
		Escrows:      &EscrowRepo{q: q},
		VaultSecrets: &VaultSecretRepo{q: q},
	}
}

// WithinTx runs fn in a single database transaction. fn's error rolls it back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r store.Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, reposFor(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// numeric formats a base-unit amount for a NUMERIC(20,0) column. database/sql
// rejects uint64 arguments with the high bit set.
func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}
