// Package transfer builds, signs, submits and confirms settlement transactions.
// One transaction carries the principal leg and the treasury and platform fee
// legs, plus any account creation the recipients need.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/ledger"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/tracing"
	"github.com/emperorhan/chatpay-settlement/internal/vault"
	"github.com/gagliardetto/solana-go"
	"go.opentelemetry.io/otel/attribute"
)

// signatureFeeLamports is the base fee charged per transaction signature.
const signatureFeeLamports = 5000

// Policy flags zero the fee legs without changing how the transaction is built.
type Policy struct {
	Withdrawal bool
	Giveaway   bool
	// Release marks a custody release whose fee was settled at funding time.
	Release bool
}

func (p Policy) FeeExempt() bool {
	return p.Withdrawal || p.Giveaway || p.Release
}

// Request describes one settlement transaction. AmountRaw is the principal
// delivered to To; fees are debited from From on top of it.
type Request struct {
	From              string
	To                string
	Asset             model.Asset
	AmountRaw         uint64
	NetworkFeeRaw     uint64
	ServiceFeeRaw     uint64
	ServiceFeeAssetID string
	Policy            Policy

	// FromKey signs for From when the key is not held by the account vault.
	// The caller owns and zeroes it.
	FromKey solana.PrivateKey
	// FeePayer pays the signature fee, recipient rent and associated account
	// creation. Defaults to From.
	FeePayer string
	// CloseTo receives whatever From still holds of the asset after the legs.
	// Token holding accounts are closed and their rent returned to CloseTo.
	CloseTo string
}

// Result identifies the submitted transaction. Signature is set once the
// transaction was broadcast, even when confirmation then failed.
type Result struct {
	Signature string
	Submitted bool
}

type Config struct {
	TreasuryAddress     string
	PlatformAddress     string
	Commitment          ledger.ConfirmationStatus
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

type Executor struct {
	rpc      ledger.RPCClient
	keys     vault.AccountVault
	treasury *solana.PublicKey
	platform *solana.PublicKey
	cfg      Config
	logger   *slog.Logger
}

func NewExecutor(rpc ledger.RPCClient, keys vault.AccountVault, cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.Commitment == "" {
		cfg.Commitment = ledger.ConfirmationConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	e := &Executor{
		rpc:    rpc,
		keys:   keys,
		cfg:    cfg,
		logger: logger.With("component", "transfer_executor"),
	}
	var err error
	if e.treasury, err = optionalKey("treasury", cfg.TreasuryAddress); err != nil {
		return nil, err
	}
	if e.platform, err = optionalKey("platform", cfg.PlatformAddress); err != nil {
		return nil, err
	}
	return e, nil
}

func optionalKey(name, address string) (*solana.PublicKey, error) {
	if address == "" {
		return nil, nil
	}
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%s address %q: %w", name, address, err)
	}
	return &pk, nil
}

// HasTreasury reports whether network fees are collected.
func (e *Executor) HasTreasury() bool { return e.treasury != nil }

// Treasury returns the treasury address, empty when none is configured.
func (e *Executor) Treasury() string {
	if e.treasury == nil {
		return ""
	}
	return e.treasury.String()
}

// Execute signs, broadcasts and confirms req. Confirmation is bounded by the
// configured timeout and submission is never retried here.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	kind := string(assetKind(req.Asset))
	ctx, span := tracing.Start(ctx, "transfer", "execute",
		attribute.String("asset_id", req.Asset.ID),
		attribute.String("asset_kind", kind),
		attribute.Int64("amount_raw", int64(req.AmountRaw)),
	)
	defer span.End()

	start := time.Now()
	res, err := e.execute(ctx, req)
	metrics.TransferLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	outcome := "confirmed"
	if err != nil {
		outcome = string(failure.KindOf(err))
		tracing.Fail(span, err)
		e.logger.Warn("transfer failed",
			"from", req.From, "to", req.To, "asset_id", req.Asset.ID,
			"amount_raw", req.AmountRaw, "signature", res.Signature,
			"submitted", res.Submitted, "error", err)
	} else {
		span.SetAttributes(attribute.String("signature", res.Signature))
		e.logger.Info("transfer confirmed",
			"from", req.From, "to", req.To, "asset_id", req.Asset.ID,
			"amount_raw", req.AmountRaw, "signature", res.Signature)
	}
	metrics.TransfersTotal.WithLabelValues(kind, outcome).Inc()
	return res, err
}

func (e *Executor) execute(ctx context.Context, req Request) (Result, error) {
	p, err := e.plan(ctx, req)
	if err != nil {
		return Result{}, err
	}

	keys, release, err := e.signingKeys(ctx, req, p)
	if err != nil {
		return Result{}, err
	}
	raw, signature, err := e.sign(ctx, p, keys)
	release()
	if err != nil {
		return Result{}, err
	}

	sent, err := e.rpc.SendTransaction(ctx, raw)
	if err != nil {
		kind := ledger.Classify(err)
		if kind != failure.InsufficientFunds {
			kind = failure.NetworkFailure
		}
		return Result{}, failure.Wrap(kind, err, "the network rejected the transaction")
	}
	if sent != "" {
		signature = sent
	}

	res := Result{Signature: signature, Submitted: true}
	return res, e.confirm(ctx, signature)
}

// signingKeys collects every key the plan needs. release zeroes the ones
// fetched from the account vault.
func (e *Executor) signingKeys(ctx context.Context, req Request, p *plan) (map[solana.PublicKey]*solana.PrivateKey, func(), error) {
	keys := make(map[solana.PublicKey]*solana.PrivateKey, 2)
	var fetched []solana.PrivateKey
	release := func() {
		for _, k := range fetched {
			vault.Zero(k)
		}
	}

	load := func(owner solana.PublicKey) error {
		if _, ok := keys[owner]; ok {
			return nil
		}
		if owner.Equals(p.from) && len(req.FromKey) > 0 {
			if !req.FromKey.PublicKey().Equals(owner) {
				return failure.New(failure.InternalInconsistency, "signing key does not match account %s", owner)
			}
			k := req.FromKey
			keys[owner] = &k
			return nil
		}
		if e.keys == nil {
			return failure.New(failure.NotFound, "no signing key held for account %s", owner)
		}
		k, err := e.keys.SigningKey(ctx, owner.String())
		if err != nil {
			return err
		}
		fetched = append(fetched, k)
		keys[owner] = &k
		return nil
	}

	for _, owner := range []solana.PublicKey{p.from, p.feePayer} {
		if err := load(owner); err != nil {
			release()
			return nil, func() {}, err
		}
	}
	return keys, release, nil
}

func (e *Executor) sign(ctx context.Context, p *plan, keys map[solana.PublicKey]*solana.PrivateKey) ([]byte, string, error) {
	blockhash, err := e.rpc.LatestBlockhash(ctx)
	if err != nil {
		return nil, "", failure.Wrap(failure.NetworkFailure, err, "could not reach the network")
	}
	tx, err := solana.NewTransaction(p.instructions, blockhash, solana.TransactionPayer(p.feePayer))
	if err != nil {
		return nil, "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		return keys[key]
	}); err != nil {
		return nil, "", failure.Wrap(failure.InternalInconsistency, err, "transaction could not be signed")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("encode transaction: %w", err)
	}
	return raw, tx.Signatures[0].String(), nil
}

// confirm polls the signature until it reaches the configured commitment, the
// transaction fails on-chain, or the confirmation window closes.
func (e *Executor) confirm(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.rpc.SignatureStatus(ctx, signature)
		switch {
		case err != nil:
			e.logger.Debug("signature status poll failed", "signature", signature, "error", err)
		case status == nil:
		case status.Err != nil:
			return failure.New(ledger.ClassifyExecution(status.Err),
				"transaction %s failed on the network: %v", signature, status.Err)
		case status.Reached(e.cfg.Commitment):
			return nil
		}

		select {
		case <-ctx.Done():
			return failure.Wrap(failure.Timeout, ctx.Err(),
				"transaction %s was submitted but not confirmed within %s", signature, e.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

func assetKind(a model.Asset) model.AssetKind {
	if a.IsNative() {
		return model.AssetKindNative
	}
	return model.AssetKindToken
}
