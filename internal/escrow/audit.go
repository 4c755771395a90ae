package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/ledger"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/gagliardetto/solana-go"
)

// Audit findings.
const (
	FindingMissingSecret = "missing_secret"
	FindingUnderfunded   = "underfunded"
	FindingQueryError    = "query_error"
	FindingStranded      = "stranded"
)

// BalanceSource reads vault holdings from the ledger.
type BalanceSource interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	TokenAccount(ctx context.Context, account solana.PublicKey) (*ledger.TokenAccount, error)
}

// VaultCheck is the audit result for one escrow vault.
type VaultCheck struct {
	EscrowID  string    `json:"escrow_id"`
	Vault     string    `json:"vault"`
	AssetID   string    `json:"asset_id"`
	HeldRaw   uint64    `json:"held_raw"`
	OnChain   uint64    `json:"on_chain_raw"`
	Finding   string    `json:"finding,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// AuditResult aggregates one audit run.
type AuditResult struct {
	Network    string       `json:"network"`
	Total      int          `json:"total"`
	Healthy    int          `json:"healthy"`
	Findings   int          `json:"findings"`
	Stranded   int          `json:"stranded"`
	Checks     []VaultCheck `json:"checks"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Auditor compares open escrows with what their vaults actually hold and
// reports stranded expired holds.
type Auditor struct {
	store   store.Store
	ledger  BalanceSource
	alerter alert.Alerter
	network string
	batch   int
	logger  *slog.Logger
}

func NewAuditor(st store.Store, src BalanceSource, alerter alert.Alerter, network string, logger *slog.Logger) *Auditor {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Auditor{
		store:   st,
		ledger:  src,
		alerter: alerter,
		network: network,
		batch:   1000,
		logger:  logger.With("component", "escrow_audit"),
	}
}

// Audit checks every open escrow once.
func (a *Auditor) Audit(ctx context.Context) (*AuditResult, error) {
	result := &AuditResult{Network: a.network, StartedAt: time.Now()}

	repos := a.store.Repos()
	open, err := repos.Escrows.ListByStatus(ctx, model.EscrowStatusOpen, a.batch)
	if err != nil {
		return nil, fmt.Errorf("list open escrows: %w", err)
	}
	stranded, err := repos.Escrows.ListByStatus(ctx, model.EscrowStatusExpired, a.batch)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}

	for i := range open {
		check := a.checkOne(ctx, &open[i])
		result.Checks = append(result.Checks, check)
		result.Total++
		if check.Finding == "" {
			result.Healthy++
			continue
		}
		result.Findings++
		metrics.EscrowAuditFindings.WithLabelValues(check.Finding).Inc()
	}
	result.Stranded = len(stranded)
	if result.Stranded > 0 {
		metrics.EscrowAuditFindings.WithLabelValues(FindingStranded).Add(float64(result.Stranded))
	}
	result.FinishedAt = time.Now()

	if result.Findings > 0 || result.Stranded > 0 {
		_ = a.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeAudit,
			Network: a.network,
			Subject: "escrow audit",
			Title:   "Escrow custody audit found problems",
			Message: fmt.Sprintf("%d/%d open escrows failed checks, %d expired escrows still hold funds",
				result.Findings, result.Total, result.Stranded),
			Fields: map[string]string{
				"healthy":  fmt.Sprintf("%d", result.Healthy),
				"findings": fmt.Sprintf("%d", result.Findings),
				"stranded": fmt.Sprintf("%d", result.Stranded),
			},
		})
	}

	a.logger.Info("escrow audit completed",
		"total", result.Total, "healthy", result.Healthy,
		"findings", result.Findings, "stranded", result.Stranded)
	return result, nil
}

func (a *Auditor) checkOne(ctx context.Context, e *model.Escrow) VaultCheck {
	check := VaultCheck{
		EscrowID:  e.ID.String(),
		Vault:     e.VaultAddress,
		AssetID:   e.AssetID,
		HeldRaw:   e.HeldRaw(),
		CheckedAt: time.Now(),
	}

	if _, err := a.store.Repos().VaultSecrets.Get(ctx, e.ID); err != nil {
		check.Finding = FindingMissingSecret
		if !errors.Is(err, store.ErrNotFound) {
			check.Finding = FindingQueryError
		}
		check.Detail = err.Error()
		return check
	}

	onChain, err := a.vaultHolding(ctx, e)
	if err != nil {
		a.logger.Warn("vault balance query failed", "escrow_id", e.ID, "vault", e.VaultAddress, "error", err)
		check.Finding = FindingQueryError
		check.Detail = err.Error()
		return check
	}
	check.OnChain = onChain
	if onChain < check.HeldRaw {
		check.Finding = FindingUnderfunded
		check.Detail = fmt.Sprintf("vault holds %d, escrow records %d", onChain, check.HeldRaw)
	}
	return check
}

func (a *Auditor) vaultHolding(ctx context.Context, e *model.Escrow) (uint64, error) {
	owner, err := solana.PublicKeyFromBase58(e.VaultAddress)
	if err != nil {
		return 0, fmt.Errorf("parse vault address: %w", err)
	}
	if e.AssetID == model.NativeAssetID {
		return a.ledger.Balance(ctx, owner)
	}
	mint, err := solana.PublicKeyFromBase58(e.AssetID)
	if err != nil {
		return 0, fmt.Errorf("parse mint: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("derive vault token account: %w", err)
	}
	acct, err := a.ledger.TokenAccount(ctx, ata)
	if err != nil {
		return 0, err
	}
	if acct == nil {
		return 0, nil
	}
	return acct.Amount, nil
}

// AuditAny wraps Audit for the admin surface.
func (a *Auditor) AuditAny(ctx context.Context) (any, error) {
	return a.Audit(ctx)
}

// RunPeriodic audits at the given interval until ctx is cancelled.
func (a *Auditor) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	a.logger.Info("periodic escrow audit started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("periodic escrow audit stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Audit(ctx); err != nil {
				a.logger.Warn("periodic escrow audit failed", "error", err)
			}
		}
	}
}
