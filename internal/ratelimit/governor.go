// Package ratelimit implements per-identifier token buckets for each class of
// user operation, a global per-identifier ceiling and a combined chat and user
// spam check.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
)

type Governor struct {
	store    BucketStore
	profiles map[Operation]Profile
	logger   *slog.Logger
	now      func() time.Time
}

func NewGovernor(store BucketStore, profiles map[Operation]Profile, logger *slog.Logger) *Governor {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Governor{
		store:    store,
		profiles: profiles,
		logger:   logger.With("component", "rate_governor"),
		now:      time.Now,
	}
}

// Allow charges one token from the operation bucket and, for every class
// except global, one from the identifier's global bucket.
func (g *Governor) Allow(ctx context.Context, identifier string, op Operation) bool {
	return g.AllowN(ctx, identifier, op, 1)
}

// AllowN is Allow with an explicit cost. Store errors deny the request. A
// denied request charges no bucket.
func (g *Governor) AllowN(ctx context.Context, identifier string, op Operation, cost float64) bool {
	if op == OpGlobal || op == OpChat {
		return g.take(ctx, cost, bucket{op, identifier})
	}
	return g.take(ctx, cost, bucket{op, identifier}, bucket{OpGlobal, identifier})
}

// SpamCheck passes only when both the chat and the user are under their
// limits. Neither is charged unless both pass.
func (g *Governor) SpamCheck(ctx context.Context, chatID, userID string) bool {
	return g.take(ctx, 1, bucket{OpChat, chatID}, bucket{OpCommand, userID})
}

// Check is Allow returning a RateLimited failure on denial.
func (g *Governor) Check(ctx context.Context, identifier string, op Operation) error {
	if !g.Allow(ctx, identifier, op) {
		return failure.New(failure.RateLimited, "too many %s requests, please slow down", op)
	}
	return nil
}

type bucket struct {
	op         Operation
	identifier string
}

func (g *Governor) take(ctx context.Context, cost float64, buckets ...bucket) bool {
	charges := make([]Charge, len(buckets))
	for i, b := range buckets {
		p, ok := g.profiles[b.op]
		if !ok {
			g.logger.Error("unknown rate limit operation, denying", "operation", b.op)
			metrics.RateLimitDecisions.WithLabelValues(string(b.op), "error").Inc()
			return false
		}
		charges[i] = Charge{Key: bucketKey(b.op, b.identifier), Profile: p, Cost: cost}
	}

	denied, err := g.store.TakeAll(ctx, charges, g.now())
	if err != nil {
		g.logger.Error("rate bucket store failed, denying", "operation", buckets[0].op, "error", err)
		metrics.RateLimitDecisions.WithLabelValues(string(buckets[0].op), "error").Inc()
		return false
	}
	if denied >= 0 {
		metrics.RateLimitDecisions.WithLabelValues(string(buckets[denied].op), "denied").Inc()
		return false
	}
	for _, b := range buckets {
		metrics.RateLimitDecisions.WithLabelValues(string(b.op), "allowed").Inc()
	}
	return true
}

// Sweep evicts buckets idle for longer than retention.
func (g *Governor) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	n, err := g.store.Evict(ctx, g.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("evict rate buckets: %w", err)
	}
	metrics.RateLimitBucketsEvicted.Add(float64(n))
	return n, nil
}

// Run sweeps on every interval tick until ctx is cancelled.
func (g *Governor) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := g.Sweep(ctx, retention)
			if err != nil {
				g.logger.Warn("rate bucket sweep failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Debug("evicted idle rate buckets", "count", n)
			}
		}
	}
}

func bucketKey(op Operation, identifier string) string {
	return string(op) + ":" + identifier
}
