// Package escrow holds funds for payees without a linked account. Each escrow
// owns a fresh vault keypair whose sealed key lives only while the funds are
// in custody. Claims and expiry releases are serialized by a lease on the
// escrow row.
package escrow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/emperorhan/chatpay-settlement/internal/tracing"
	"github.com/emperorhan/chatpay-settlement/internal/transfer"
	"github.com/emperorhan/chatpay-settlement/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Executor moves funds on the ledger.
type Executor interface {
	Execute(ctx context.Context, req transfer.Request) (transfer.Result, error)
	Treasury() string
}

type Config struct {
	TTL         time.Duration
	LeaseTTL    time.Duration
	SweepBatch  int
	SweepPacing time.Duration
	Network     string
}

type Manager struct {
	store   store.Store
	exec    Executor
	sealer  *vault.Sealer
	alerter alert.Alerter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(st store.Store, exec Executor, sealer *vault.Sealer, alerter alert.Alerter, cfg Config, logger *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Manager{
		store:   st,
		exec:    exec,
		sealer:  sealer,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With("component", "escrow_manager"),
		now:     time.Now,
	}
}

// CreateParams funds a hold. AmountRaw is the principal the payee will
// receive; FeeRaw is withheld in the vault on top of it.
type CreateParams struct {
	ClientIntentID    string
	PayerIdentity     string
	PayerAccount      string
	PayeeHandle       string
	Asset             model.Asset
	AmountRaw         uint64
	FeeRaw            uint64
	ServiceFeeRaw     uint64
	ServiceFeeAssetID string
	Note              *string
	Metadata          model.EscrowMetadata
	TTL               time.Duration
}

func (p CreateParams) validate() error {
	if strings.TrimSpace(p.ClientIntentID) == "" {
		return failure.New(failure.InvalidInput, "client intent id is required")
	}
	if _, err := solana.PublicKeyFromBase58(p.PayerAccount); err != nil {
		return failure.New(failure.InvalidInput, "payer account %q is not a valid address", p.PayerAccount)
	}
	if normalizeHandle(p.PayeeHandle) == "" {
		return failure.New(failure.InvalidInput, "payee handle is required")
	}
	if p.AmountRaw == 0 {
		return failure.New(failure.InvalidInput, "amount must be greater than zero")
	}
	if p.AmountRaw+p.FeeRaw < p.AmountRaw {
		return failure.New(failure.InvalidInput, "amount overflows")
	}
	if err := p.Metadata.Validate(); err != nil {
		return failure.Wrap(failure.InvalidInput, err, "%s", err.Error())
	}
	return nil
}

// Create generates a vault, records the escrow with its sealed key and funds
// the vault from the payer. A definitive funding failure removes the record
// and returns a nil escrow. A broadcast whose confirmation timed out keeps the
// escrow open so the funds stay recoverable, and returns it with its funding
// signature alongside the Timeout error.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.Escrow, error) {
	p.Metadata.PayeeHandle = p.PayeeHandle
	if err := p.validate(); err != nil {
		return nil, err
	}
	if m.exec.Treasury() == "" {
		return nil, failure.New(failure.InternalInconsistency, "escrow requires a configured treasury signer")
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	ref, err := newClaimReference()
	if err != nil {
		return nil, err
	}
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	defer vault.Zero(key)

	vaultAddress := key.PublicKey().String()
	e := &model.Escrow{
		ID:             uuid.New(),
		ClientIntentID: p.ClientIntentID,
		ClaimReference: ref,
		PayerIdentity:  p.PayerIdentity,
		PayerAccount:   p.PayerAccount,
		PayeeHandle:    p.PayeeHandle,
		AssetID:        p.Asset.ID,
		AmountRaw:      p.AmountRaw,
		FeeRaw:         p.FeeRaw,
		VaultAddress:   vaultAddress,
		Note:           p.Note,
		Metadata:       p.Metadata,
		Status:         model.EscrowStatusOpen,
		ExpiresAt:      m.now().Add(ttl),
	}
	sealed, err := m.sealer.Seal(vault.EscrowScope(e.ID.String()), []byte(vaultAddress), key)
	if err != nil {
		return nil, fmt.Errorf("seal vault key: %w", err)
	}

	err = m.store.WithinTx(ctx, func(ctx context.Context, r store.Repos) error {
		if err := r.Escrows.Create(ctx, e); err != nil {
			return err
		}
		return r.VaultSecrets.Put(ctx, &model.VaultSecret{EscrowID: e.ID, VaultAddress: vaultAddress, SealedKey: sealed})
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, failure.New(failure.AlreadyProcessed, "an escrow for this request already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("record escrow: %w", err)
	}

	ctx, span := tracing.Start(ctx, "escrow", "fund",
		attribute.String("escrow_id", e.ID.String()),
		attribute.String("asset_id", e.AssetID),
	)
	defer span.End()

	res, err := m.exec.Execute(ctx, transfer.Request{
		From:              p.PayerAccount,
		To:                vaultAddress,
		Asset:             p.Asset,
		AmountRaw:         e.HeldRaw(),
		ServiceFeeRaw:     p.ServiceFeeRaw,
		ServiceFeeAssetID: p.ServiceFeeAssetID,
	})
	if err != nil {
		tracing.Fail(span, err)
		if res.Submitted && failure.KindOf(err) == failure.Timeout {
			m.recordFunding(ctx, e, res.Signature)
			m.alert(ctx, alert.AlertTypeUnconfirmed, e, "Escrow funding unconfirmed",
				"funding was broadcast but not confirmed; the escrow stays open and is refunded on expiry")
			return e, err
		}
		if derr := m.store.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context, r store.Repos) error {
			if err := r.VaultSecrets.Delete(ctx, e.ID); err != nil {
				return err
			}
			return r.Escrows.Delete(ctx, e.ID)
		}); derr != nil {
			m.logger.Error("failed to remove unfunded escrow", "escrow_id", e.ID, "error", derr)
		}
		return nil, err
	}

	m.recordFunding(ctx, e, res.Signature)
	metrics.EscrowsCreated.Inc()
	m.logger.Info("escrow funded",
		"escrow_id", e.ID, "asset_id", e.AssetID, "held_raw", e.HeldRaw(),
		"expires_at", e.ExpiresAt, "signature", res.Signature)
	return e, nil
}

func (m *Manager) recordFunding(ctx context.Context, e *model.Escrow, signature string) {
	sig := signature
	e.FundingSignature = &sig
	if err := m.store.Repos().Escrows.SetFundingSignature(context.WithoutCancel(ctx), e.ID, signature); err != nil {
		m.logger.Error("failed to record funding signature", "escrow_id", e.ID, "signature", signature, "error", err)
	}
}

// Claimer identifies who is claiming and where the funds go.
type Claimer struct {
	Identity string
	Account  string
}

// Claim releases the principal to the claimer. The held fee goes to the
// treasury and any residual vault rent back to the payer.
func (m *Manager) Claim(ctx context.Context, id uuid.UUID, c Claimer) (*model.Escrow, error) {
	if _, err := solana.PublicKeyFromBase58(c.Account); err != nil {
		return nil, failure.New(failure.InvalidInput, "claimer account %q is not a valid address", c.Account)
	}
	e, err := m.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EscrowStatusOpen {
		return nil, failure.New(failure.AlreadyProcessed, "this escrow was already %s", e.Status)
	}
	now := m.now()
	if e.IsExpired(now) {
		return nil, failure.New(failure.AlreadyProcessed, "this escrow expired at %s and is being returned to the sender", e.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if e.Metadata.Targeted && !strings.EqualFold(normalizeHandle(c.Identity), normalizeHandle(e.PayeeHandle)) {
		return nil, failure.New(failure.Unauthorized, "this escrow can only be claimed by %s", e.PayeeHandle)
	}
	if c.Account == e.VaultAddress {
		return nil, failure.New(failure.InvalidInput, "claimer account cannot be the escrow vault")
	}

	token := uuid.New()
	leased, err := m.store.Repos().Escrows.AcquireLease(ctx, id, token, now, now.Add(m.cfg.LeaseTTL), true)
	if err != nil {
		return nil, fmt.Errorf("acquire escrow lease: %w", err)
	}
	if leased == nil {
		return nil, m.leaseDenied(ctx, id)
	}

	ctx, span := tracing.Start(ctx, "escrow", "claim", attribute.String("escrow_id", id.String()))
	defer span.End()

	asset, err := m.assetOf(ctx, leased)
	if err != nil {
		m.releaseLease(ctx, id, token)
		return nil, err
	}

	res, err := m.release(ctx, leased, transfer.Request{
		To:            c.Account,
		Asset:         asset,
		AmountRaw:     leased.AmountRaw,
		NetworkFeeRaw: leased.FeeRaw,
	})
	if err != nil {
		tracing.Fail(span, err)
		if res.Submitted && failure.KindOf(err) == failure.Timeout {
			// The lease is left to lapse; the release may still land.
			m.alert(ctx, alert.AlertTypeUnconfirmed, leased, "Escrow claim unconfirmed",
				fmt.Sprintf("release %s was broadcast but not confirmed", res.Signature))
		} else {
			m.releaseLease(ctx, id, token)
		}
		return nil, err
	}

	account := c.Account
	return m.finalize(ctx, leased, model.EscrowFinalization{
		EscrowID:         id,
		LeaseToken:       token,
		To:               model.EscrowStatusClaimed,
		PayeeAccount:     &account,
		ReleaseSignature: &res.Signature,
	})
}

// ClaimByReference resolves a claim reference and claims the escrow.
func (m *Manager) ClaimByReference(ctx context.Context, ref string, c Claimer) (*model.Escrow, error) {
	e, err := m.store.Repos().Escrows.FindByClaimReference(ctx, strings.ToUpper(strings.TrimSpace(ref)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.New(failure.NotFound, "no escrow matches claim reference %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("find escrow by reference: %w", err)
	}
	return m.Claim(ctx, e.ID, c)
}

// Get returns an escrow by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*model.Escrow, error) {
	return m.find(ctx, id)
}

// ListByStatus lists escrows in one status, e.g. stranded expired holds.
func (m *Manager) ListByStatus(ctx context.Context, status model.EscrowStatus, limit int) ([]model.Escrow, error) {
	if !status.Valid() {
		return nil, failure.New(failure.InvalidInput, "unknown escrow status %q", status)
	}
	return m.store.Repos().Escrows.ListByStatus(ctx, status, limit)
}

// release signs with the vault key for the duration of one transfer. The
// payer receives whatever the vault holds beyond the legs.
func (m *Manager) release(ctx context.Context, e *model.Escrow, req transfer.Request) (transfer.Result, error) {
	key, err := m.openVault(ctx, e)
	if err != nil {
		return transfer.Result{}, err
	}
	defer vault.Zero(key)

	req.From = e.VaultAddress
	req.FromKey = key
	req.FeePayer = m.exec.Treasury()
	req.CloseTo = e.PayerAccount
	return m.exec.Execute(ctx, req)
}

func (m *Manager) openVault(ctx context.Context, e *model.Escrow) (solana.PrivateKey, error) {
	secret, err := m.store.Repos().VaultSecrets.Get(ctx, e.ID)
	if errors.Is(err, store.ErrNotFound) {
		ferr := failure.New(failure.InternalInconsistency, "escrow %s is open but its vault key is missing", e.ID)
		m.alert(ctx, alert.AlertTypeInconsistency, e, "Vault secret missing", ferr.Reason)
		return nil, ferr
	}
	if err != nil {
		return nil, fmt.Errorf("load vault secret: %w", err)
	}
	plain, err := m.sealer.Open(vault.EscrowScope(e.ID.String()), []byte(e.VaultAddress), secret.SealedKey)
	if err != nil {
		ferr := failure.Wrap(failure.InternalInconsistency, err, "vault key of escrow %s cannot be unsealed", e.ID)
		m.alert(ctx, alert.AlertTypeInconsistency, e, "Vault secret unreadable", ferr.Reason)
		return nil, ferr
	}
	key := solana.PrivateKey(plain)
	if key.PublicKey().String() != e.VaultAddress {
		vault.Zero(key)
		ferr := failure.New(failure.InternalInconsistency, "vault key of escrow %s does not match its address", e.ID)
		m.alert(ctx, alert.AlertTypeInconsistency, e, "Vault secret mismatch", ferr.Reason)
		return nil, ferr
	}
	return key, nil
}

// finalize applies the terminal transition under the lease. The vault secret
// is deleted in the same transaction except for stranded holds, whose funds
// are still in the vault.
func (m *Manager) finalize(ctx context.Context, e *model.Escrow, f model.EscrowFinalization) (*model.Escrow, error) {
	ctx = context.WithoutCancel(ctx)
	f.ResolvedAt = m.now()
	err := m.store.WithinTx(ctx, func(ctx context.Context, r store.Repos) error {
		ok, err := r.Escrows.Finalize(ctx, f)
		if err != nil {
			return err
		}
		if !ok {
			return failure.New(failure.InternalInconsistency, "escrow %s lost its lease before %s could be recorded", f.EscrowID, f.To)
		}
		if f.To == model.EscrowStatusExpired {
			return nil
		}
		return r.VaultSecrets.Delete(ctx, f.EscrowID)
	})
	if err != nil {
		reason := fmt.Sprintf("released funds but could not record %s: %v", f.To, err)
		m.alert(ctx, alert.AlertTypeInconsistency, e, "Escrow finalization failed", reason)
		if failure.Is(err, failure.InternalInconsistency) {
			return nil, err
		}
		return nil, failure.Wrap(failure.InternalInconsistency, err, "escrow %s settled on the ledger but its status could not be saved", f.EscrowID)
	}

	metrics.EscrowsResolved.WithLabelValues(string(f.To)).Inc()
	m.logger.Info("escrow resolved",
		"escrow_id", f.EscrowID, "status", f.To, "signature", deref(f.ReleaseSignature))

	resolved := *e
	resolved.Status = f.To
	resolved.PayeeAccount = f.PayeeAccount
	resolved.ReleaseSignature = f.ReleaseSignature
	resolved.FailureReason = f.FailureReason
	resolved.ResolvedAt = &f.ResolvedAt
	resolved.LeaseToken, resolved.LeaseExpiresAt = nil, nil
	return &resolved, nil
}

func (m *Manager) leaseDenied(ctx context.Context, id uuid.UUID) error {
	e, err := m.find(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != model.EscrowStatusOpen {
		return failure.New(failure.AlreadyProcessed, "this escrow was already %s", e.Status)
	}
	if e.IsExpired(m.now()) {
		return failure.New(failure.AlreadyProcessed, "this escrow has expired and is being returned to the sender")
	}
	return failure.New(failure.AlreadyProcessed, "a release of this escrow is already in progress")
}

func (m *Manager) releaseLease(ctx context.Context, id, token uuid.UUID) {
	if err := m.store.Repos().Escrows.ReleaseLease(context.WithoutCancel(ctx), id, token); err != nil {
		m.logger.Warn("failed to release escrow lease", "escrow_id", id, "error", err)
	}
}

func (m *Manager) find(ctx context.Context, id uuid.UUID) (*model.Escrow, error) {
	e, err := m.store.Repos().Escrows.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.New(failure.NotFound, "escrow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find escrow %s: %w", id, err)
	}
	return e, nil
}

func (m *Manager) assetOf(ctx context.Context, e *model.Escrow) (model.Asset, error) {
	if e.AssetID == model.NativeAssetID {
		return model.NativeAsset(), nil
	}
	a, err := m.store.Repos().Assets.FindByID(ctx, e.AssetID)
	if errors.Is(err, store.ErrNotFound) {
		ferr := failure.New(failure.InternalInconsistency, "asset %s of escrow %s is not registered", e.AssetID, e.ID)
		m.alert(ctx, alert.AlertTypeInconsistency, e, "Escrow asset missing", ferr.Reason)
		return model.Asset{}, ferr
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("find asset %s: %w", e.AssetID, err)
	}
	return *a, nil
}

func (m *Manager) alert(ctx context.Context, typ alert.AlertType, e *model.Escrow, title, message string) {
	err := m.alerter.Send(context.WithoutCancel(ctx), alert.Alert{
		Type:    typ,
		Network: m.cfg.Network,
		Subject: "escrow " + e.ID.String(),
		Title:   title,
		Message: message,
		Fields: map[string]string{
			"vault":    e.VaultAddress,
			"asset_id": e.AssetID,
			"held_raw": fmt.Sprintf("%d", e.HeldRaw()),
			"payer":    e.PayerAccount,
		},
	})
	if err != nil {
		m.logger.Warn("alert delivery failed", "escrow_id", e.ID, "type", typ, "error", err)
	}
}

const claimAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newClaimReference returns a 10-character code without ambiguous glyphs.
func newClaimReference() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate claim reference: %w", err)
	}
	for i, b := range buf {
		buf[i] = claimAlphabet[int(b)%len(claimAlphabet)]
	}
	return string(buf), nil
}

func normalizeHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
