package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const (
	// DefaultQueryTimeout bounds a single repository call made outside a
	// transaction.
	DefaultQueryTimeout = 30 * time.Second

	// LongQueryTimeout covers migrations and retention purges.
	LongQueryTimeout = 5 * time.Minute

	maxStatementTimeout = time.Hour
	defaultConnIdleTime = 2 * time.Minute
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// DB is the settlement connection pool.
type DB struct {
	*sql.DB
}

// querier is satisfied by *DB, *sql.Conn and *sql.Tx so repositories run the
// same inside or outside WithinTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// StatementTimeout is applied to every pooled connection. Zero keeps the
	// server default.
	StatementTimeout time.Duration
}

// dsn returns the connection string with the statement timeout folded into
// the libpq options parameter. Both URL and key=value forms are accepted.
func (c Config) dsn() (string, error) {
	if strings.TrimSpace(c.URL) == "" {
		return "", fmt.Errorf("database url is empty")
	}
	if c.StatementTimeout < 0 || c.StatementTimeout > maxStatementTimeout {
		return "", fmt.Errorf("statement timeout %s outside [0, %s]", c.StatementTimeout, maxStatementTimeout)
	}
	if c.StatementTimeout == 0 {
		return c.URL, nil
	}
	opt := fmt.Sprintf("-c statement_timeout=%d", c.StatementTimeout.Milliseconds())

	if !strings.HasPrefix(c.URL, "postgres://") && !strings.HasPrefix(c.URL, "postgresql://") {
		return c.URL + " options='" + opt + "'", nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	q := u.Query()
	if existing := q.Get("options"); existing != "" {
		opt = existing + " " + opt
	}
	q.Set("options", opt)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New opens the pool and verifies the server is reachable.
func New(cfg Config) (*DB, error) {
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = defaultConnIdleTime
	}
	db.SetConnMaxIdleTime(idle)

	ctx, cancel := withTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
