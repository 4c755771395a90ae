// Package idempotency runs a settlement attempt at most once per intent
// fingerprint. Concurrent duplicates wait for the first attempt's outcome,
// completed attempts replay their result and failed attempts replay their
// error until the record ages out.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultPollInterval = 100 * time.Millisecond
)

// GenerateIntentID fingerprints an operation. Two calls with the same identity,
// operation and payload inside the same wall-clock second yield the same id.
func GenerateIntentID(identity, operation string, payload any, at time.Time) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal intent payload: %w", err)
	}
	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(identity),
		[]byte(operation),
		body,
		[]byte(strconv.FormatInt(at.Unix(), 10)),
	} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type Manager struct {
	store        Store
	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option { return func(m *Manager) { m.ttl = ttl } }

func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.pollInterval = d } }

func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		ttl:          DefaultTTL,
		pollInterval: DefaultPollInterval,
		logger:       logger.With("component", "idempotency"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs fn once for key. When another caller holds key pending, Execute
// polls until that attempt finishes or timeout elapses.
func (m *Manager) Execute(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if key == "" {
		return nil, failure.New(failure.InvalidInput, "intent id is required")
	}
	now := m.now()
	created, err := m.store.CreateIfAbsent(ctx, model.IdempotencyRecord{
		Key:       key,
		Status:    model.IdempotencyPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "idempotency store unavailable")
	}
	if created {
		return m.run(ctx, key, fn)
	}
	return m.await(ctx, key, timeout)
}

func (m *Manager) run(ctx context.Context, key string, fn func(context.Context) (json.RawMessage, error)) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			m.fail(key, failure.New(failure.Internal, "settlement attempt aborted"))
			panic(p)
		}
	}()

	result, err = fn(ctx)
	if err != nil {
		m.fail(key, err)
		metrics.IdempotencyOutcomes.WithLabelValues("failed").Inc()
		return nil, err
	}
	// The outcome must be recorded even if the caller has gone away.
	if cerr := m.store.Complete(context.WithoutCancel(ctx), key, result, m.now()); cerr != nil {
		m.logger.Error("record idempotent result failed", "key", key, "error", cerr)
		return nil, failure.Wrap(failure.InternalInconsistency, cerr,
			"operation completed but its outcome could not be recorded")
	}
	metrics.IdempotencyOutcomes.WithLabelValues("executed").Inc()
	return result, nil
}

func (m *Manager) fail(key string, cause error) {
	kind := failure.KindOf(cause)
	if err := m.store.Fail(context.Background(), key, string(kind), failure.Reason(cause), m.now()); err != nil {
		m.logger.Error("record idempotent failure failed", "key", key, "error", err)
	}
}

func (m *Manager) await(ctx context.Context, key string, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	waited := false
	for {
		rec, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, failure.Wrap(failure.Internal, err, "idempotency store unavailable")
		}
		if rec == nil {
			return nil, failure.New(failure.InternalInconsistency, "in-flight request record disappeared")
		}
		switch rec.Status {
		case model.IdempotencyCompleted:
			outcome := "cached"
			if waited {
				outcome = "waited"
			}
			metrics.IdempotencyOutcomes.WithLabelValues(outcome).Inc()
			return rec.Result, nil
		case model.IdempotencyFailed:
			metrics.IdempotencyOutcomes.WithLabelValues("failed_cached").Inc()
			kind := failure.Kind(rec.ErrorKind)
			if kind == "" {
				kind = failure.Internal
			}
			return nil, failure.New(kind, "%s", rec.Error)
		}

		waited = true
		select {
		case <-ctx.Done():
			return nil, failure.Wrap(failure.Timeout, ctx.Err(), "gave up waiting for the in-flight request")
		case <-deadline.C:
			metrics.IdempotencyOutcomes.WithLabelValues("timeout").Inc()
			return nil, failure.New(failure.Timeout, "an identical request is still in progress, try again shortly")
		case <-ticker.C:
		}
	}
}

// Purge drops records older than the configured ttl.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	n, err := m.store.PurgeOlderThan(ctx, m.now().Add(-m.ttl))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	metrics.IdempotencyRecordsPurged.Add(float64(n))
	return n, nil
}

// Run purges on every interval tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := m.Purge(ctx)
			if err != nil {
				m.logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("purged idempotency records", "count", n)
			}
		}
	}
}

// Do is Execute for a typed result.
func Do[T any](ctx context.Context, m *Manager, key string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := m.Execute(ctx, key, timeout, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal idempotent result: %w", err)
		}
		return body, nil
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, failure.Wrap(failure.Internal, err, "stored result is unreadable")
	}
	return out, nil
}
