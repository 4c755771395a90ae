package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/tracing"
	"github.com/emperorhan/chatpay-settlement/internal/transfer"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// SweepResult summarizes one pass over expired escrows.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Refunded int `json:"refunded"`
	Stranded int `json:"stranded"`
	Skipped  int `json:"skipped"`
}

// Expire refunds one expired escrow to its payer. A failed refund leaves the
// escrow expired with its vault key retained so the funds can be recovered.
// It returns nil, nil when another worker holds the escrow.
func (m *Manager) Expire(ctx context.Context, id uuid.UUID) (*model.Escrow, error) {
	now := m.now()
	token := uuid.New()
	leased, err := m.store.Repos().Escrows.AcquireLease(ctx, id, token, now, now.Add(m.cfg.LeaseTTL), false)
	if err != nil {
		return nil, fmt.Errorf("acquire escrow lease: %w", err)
	}
	if leased == nil {
		return nil, nil
	}

	ctx, span := tracing.Start(ctx, "escrow", "refund", attribute.String("escrow_id", id.String()))
	defer span.End()

	asset, err := m.assetOf(ctx, leased)
	if err != nil {
		tracing.Fail(span, err)
		return m.strand(ctx, leased, token, err)
	}
	res, err := m.release(ctx, leased, transfer.Request{
		To:        leased.PayerAccount,
		Asset:     asset,
		AmountRaw: leased.HeldRaw(),
		Policy:    transfer.Policy{Release: true},
	})
	if err != nil {
		tracing.Fail(span, err)
		if res.Submitted && failure.KindOf(err) == failure.Timeout {
			m.alert(ctx, alert.AlertTypeUnconfirmed, leased, "Escrow refund unconfirmed",
				fmt.Sprintf("refund %s was broadcast but not confirmed", res.Signature))
			return nil, err
		}
		return m.strand(ctx, leased, token, err)
	}

	return m.finalize(ctx, leased, model.EscrowFinalization{
		EscrowID:         id,
		LeaseToken:       token,
		To:               model.EscrowStatusRefunded,
		ReleaseSignature: &res.Signature,
	})
}

func (m *Manager) strand(ctx context.Context, e *model.Escrow, token uuid.UUID, cause error) (*model.Escrow, error) {
	reason := failure.Reason(cause)
	m.logger.Error("escrow refund failed, funds remain in vault",
		"escrow_id", e.ID, "vault", e.VaultAddress, "error", cause)
	m.alert(ctx, alert.AlertTypeStranded, e, "Escrow refund failed", reason)
	return m.finalize(ctx, e, model.EscrowFinalization{
		EscrowID:      e.ID,
		LeaseToken:    token,
		To:            model.EscrowStatusExpired,
		FailureReason: &reason,
	})
}

// Sweep expires one batch of escrows past their deadline, pacing releases so
// the ledger is not hit in a burst.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	start := time.Now()
	defer func() {
		metrics.EscrowSweepRuns.Inc()
		metrics.EscrowSweepLatency.Observe(time.Since(start).Seconds())
	}()

	due, err := m.store.Repos().Escrows.ListExpiredOpen(ctx, m.now(), m.cfg.SweepBatch)
	if err != nil {
		return result, fmt.Errorf("list expired escrows: %w", err)
	}
	result.Scanned = len(due)

	for i, e := range due {
		if i > 0 && m.cfg.SweepPacing > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(m.cfg.SweepPacing):
			}
		}
		resolved, err := m.Expire(ctx, e.ID)
		switch {
		case err != nil:
			m.logger.Warn("escrow expiry failed", "escrow_id", e.ID, "error", err)
			result.Skipped++
		case resolved == nil:
			result.Skipped++
		case resolved.Status == model.EscrowStatusRefunded:
			result.Refunded++
		default:
			result.Stranded++
		}
	}

	if result.Scanned > 0 {
		m.logger.Info("escrow sweep completed",
			"scanned", result.Scanned, "refunded", result.Refunded,
			"stranded", result.Stranded, "skipped", result.Skipped)
	}
	return result, nil
}

// RunSweeper sweeps immediately and then every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("escrow sweeper started", "interval", interval, "batch", m.cfg.SweepBatch)
	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("escrow sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("escrow sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
