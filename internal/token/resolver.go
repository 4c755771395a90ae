// Package token resolves tickers and mint addresses to canonical assets.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/cache"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/ledger"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/singleflight"
)

// MetadataSource looks up mint metadata on the ledger.
type MetadataSource interface {
	Mint(ctx context.Context, mint solana.PublicKey) (*ledger.Mint, error)
}

type Config struct {
	CacheSize int
	CacheTTL  time.Duration
	// AutoRegister persists assets discovered from the ledger.
	AutoRegister bool
}

type Resolver struct {
	repo         store.AssetRepository
	source       MetadataSource
	assets       *cache.ShardedLRU[model.Asset]
	misses       *cache.LRU[string, struct{}]
	lookups      singleflight.Group
	autoRegister bool
	logger       *slog.Logger
}

func NewResolver(repo store.AssetRepository, source MetadataSource, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Resolver{
		repo:         repo,
		source:       source,
		assets:       cache.NewShardedLRU[model.Asset](cfg.CacheSize, cfg.CacheTTL, 0),
		misses:       cache.NewLRU[string, struct{}](cfg.CacheSize/4+1, cfg.CacheTTL),
		autoRegister: cfg.AutoRegister,
		logger:       logger.With("component", "token_resolver"),
	}
}

// Resolve maps a ticker ("usdc", "$BONK") or mint address to an enabled
// asset. Disabled assets resolve to NotFound on both paths.
func (r *Resolver) Resolve(ctx context.Context, tickerOrID string) (model.Asset, error) {
	input := strings.TrimSpace(tickerOrID)
	if input == "" {
		return model.Asset{}, failure.New(failure.InvalidInput, "asset is required")
	}

	var (
		a   model.Asset
		err error
	)
	if pk, perr := solana.PublicKeyFromBase58(input); perr == nil {
		a, err = r.resolveID(ctx, pk)
	} else {
		a, err = r.resolveTicker(ctx, model.NormalizeTicker(input))
	}
	if err != nil {
		return model.Asset{}, err
	}
	if !a.Enabled {
		return model.Asset{}, failure.New(failure.NotFound, "asset %s is disabled", a.ID)
	}
	return a, nil
}

func (r *Resolver) resolveTicker(ctx context.Context, ticker string) (model.Asset, error) {
	key := "ticker:" + ticker
	if a, ok := r.assets.Get(key); ok {
		metrics.TokenCacheHits.Inc()
		return a, nil
	}
	metrics.TokenCacheMisses.Inc()

	a, err := r.repo.FindByTicker(ctx, ticker)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if ticker == model.NativeTicker {
			native := model.NativeAsset()
			r.put(native)
			return native, nil
		}
		return model.Asset{}, failure.New(failure.NotFound, "unknown asset %q", ticker)
	case err != nil:
		return model.Asset{}, fmt.Errorf("find asset by ticker %s: %w", ticker, err)
	}
	r.put(*a)
	return *a, nil
}

func (r *Resolver) resolveID(ctx context.Context, pk solana.PublicKey) (model.Asset, error) {
	id := pk.String()
	key := "id:" + id
	if a, ok := r.assets.Get(key); ok {
		metrics.TokenCacheHits.Inc()
		return a, nil
	}
	metrics.TokenCacheMisses.Inc()

	a, err := r.repo.FindByID(ctx, id)
	if err == nil {
		r.put(*a)
		return *a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Asset{}, fmt.Errorf("find asset %s: %w", id, err)
	}
	if id == model.NativeAssetID {
		native := model.NativeAsset()
		r.put(native)
		return native, nil
	}
	return r.discover(ctx, pk)
}

// discover looks a mint up on the ledger once per cache window. Failures
// resolve to NotFound. A discovered mint is disabled until an admin enables
// it, so it is cached by id only.
func (r *Resolver) discover(ctx context.Context, pk solana.PublicKey) (model.Asset, error) {
	id := pk.String()
	if _, missed := r.misses.Get(id); missed || r.source == nil {
		return model.Asset{}, failure.New(failure.NotFound, "unknown asset %s", id)
	}

	v, err, _ := r.lookups.Do(id, func() (interface{}, error) {
		mint, err := r.source.Mint(ctx, pk)
		if err != nil {
			return nil, err
		}
		if mint == nil {
			return nil, fmt.Errorf("no mint at %s", id)
		}
		if mint.TokenProgram != solana.TokenProgramID.String() {
			return nil, fmt.Errorf("mint %s is owned by unsupported program %s", id, mint.TokenProgram)
		}
		return discoveredAsset(mint), nil
	})
	if err != nil {
		r.logger.Info("asset discovery failed", "asset_id", id, "error", err)
		r.misses.Put(id, struct{}{})
		return model.Asset{}, failure.New(failure.NotFound, "unknown asset %s", id)
	}

	a := v.(model.Asset)
	if r.autoRegister {
		if err := r.repo.Create(ctx, &a); err != nil {
			r.logger.Warn("asset auto-registration failed", "asset_id", id, "error", err)
		} else {
			r.logger.Info("registered discovered asset", "asset_id", id, "ticker", a.Ticker, "decimals", a.Decimals)
		}
	}
	r.assets.Put("id:"+a.ID, a)
	return a, nil
}

// Register adds an asset to the registry and invalidates cached lookups.
func (r *Resolver) Register(ctx context.Context, a model.Asset) (model.Asset, error) {
	a.Ticker = model.NormalizeTicker(a.Ticker)
	if a.Kind == "" {
		a.Kind = model.AssetKindToken
	}
	if err := a.Validate(); err != nil {
		return model.Asset{}, failure.Wrap(failure.InvalidInput, err, "%s", err.Error())
	}
	if _, err := solana.PublicKeyFromBase58(a.ID); err != nil {
		return model.Asset{}, failure.New(failure.InvalidInput, "asset id %q is not a valid address", a.ID)
	}
	err := r.repo.Create(ctx, &a)
	if errors.Is(err, store.ErrConflict) {
		return model.Asset{}, failure.New(failure.AlreadyProcessed, "asset %s or ticker %s is already registered", a.ID, a.Ticker)
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("register asset %s: %w", a.ID, err)
	}
	r.Invalidate()
	return a, nil
}

// SetEnabled toggles an asset and invalidates cached lookups.
func (r *Resolver) SetEnabled(ctx context.Context, id string, enabled bool) error {
	err := r.repo.SetEnabled(ctx, id, enabled)
	if errors.Is(err, store.ErrNotFound) {
		return failure.New(failure.NotFound, "unknown asset %s", id)
	}
	if errors.Is(err, store.ErrConflict) {
		return failure.New(failure.AlreadyProcessed, "another enabled asset already uses this ticker")
	}
	if err != nil {
		return fmt.Errorf("set asset %s enabled=%t: %w", id, enabled, err)
	}
	r.Invalidate()
	return nil
}

// Invalidate drops every cached lookup, including remembered discovery misses.
func (r *Resolver) Invalidate() {
	r.assets.Purge()
	r.misses.Purge()
}

func (r *Resolver) put(a model.Asset) {
	r.assets.Put("id:"+a.ID, a)
	if a.Enabled {
		r.assets.Put("ticker:"+model.NormalizeTicker(a.Ticker), a)
	}
}

func discoveredAsset(m *ledger.Mint) model.Asset {
	ticker := m.Address
	if len(ticker) > 6 {
		ticker = ticker[:6]
	}
	return model.Asset{
		ID:       m.Address,
		Ticker:   model.NormalizeTicker(ticker),
		Name:     m.Address,
		Decimals: m.Decimals,
		Kind:     model.AssetKindToken,
		Enabled:  false,
	}
}
