package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/admin"
	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/circuitbreaker"
	"github.com/emperorhan/chatpay-settlement/internal/config"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/escrow"
	"github.com/emperorhan/chatpay-settlement/internal/fee"
	"github.com/emperorhan/chatpay-settlement/internal/idempotency"
	"github.com/emperorhan/chatpay-settlement/internal/ledger"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/payment"
	"github.com/emperorhan/chatpay-settlement/internal/ratelimit"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/emperorhan/chatpay-settlement/internal/store/memory"
	"github.com/emperorhan/chatpay-settlement/internal/store/postgres"
	redispkg "github.com/emperorhan/chatpay-settlement/internal/store/redis"
	"github.com/emperorhan/chatpay-settlement/internal/token"
	"github.com/emperorhan/chatpay-settlement/internal/tracing"
	"github.com/emperorhan/chatpay-settlement/internal/transfer"
	"github.com/emperorhan/chatpay-settlement/internal/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open      prometheus.Gauge
	inUse     prometheus.Gauge
	waitCount prometheus.Gauge
}

func collectDBPoolStats(db dbStatsProvider, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.Set(float64(stats.OpenConnections))
	gauges.inUse.Set(float64(stats.InUse))
	gauges.waitCount.Set(float64(stats.WaitCount))
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:      metrics.DBPoolOpen,
		inUse:     metrics.DBPoolInUse,
		waitCount: metrics.DBPoolWaitCount,
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

// openStore returns the persistence backend, and the sql pool when there is one.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *postgres.DB, error) {
	if cfg.DB.Backend == config.StoreBackendMemory {
		logger.Warn("using in-process store, state is lost on exit")
		return memory.New(), nil, nil
	}

	db, err := postgres.New(postgres.Config{
		URL:              cfg.DB.URL,
		MaxOpenConns:     cfg.DB.MaxOpenConns,
		MaxIdleConns:     cfg.DB.MaxIdleConns,
		ConnMaxLifetime:  cfg.DB.ConnMaxLifetime,
		StatementTimeout: cfg.DB.StatementTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx, cfg.DB.MigrationsDir, logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database")
	return postgres.NewStore(db), db, nil
}

type stateBackend struct {
	records idempotency.Store
	buckets ratelimit.BucketStore
	redis   *redis.Client
}

func (b stateBackend) Close() error {
	if b.redis == nil {
		return nil
	}
	return b.redis.Close()
}

var newRedisClient = redispkg.NewClient

// resolveStateBackend picks where idempotency records and rate buckets live.
func resolveStateBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stateBackend, error) {
	if cfg.Redis.StateBackend != config.StateBackendRedis {
		return stateBackend{
			records: idempotency.NewMemoryStore(),
			buckets: ratelimit.NewMemoryStore(),
		}, nil
	}

	client, err := newRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return stateBackend{}, fmt.Errorf("initialize redis state backend: %w", err)
	}
	logger.Info("redis state backend enabled", "redis_url", cfg.Redis.URL)
	return stateBackend{
		records: redispkg.NewIdempotencyStore(client, cfg.Idempotency.TTL),
		buckets: redispkg.NewBucketStore(client),
		redis:   client,
	}, nil
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// treasuryAddress prefers an explicit address, then the named keyring entry.
func treasuryAddress(cfg config.FeeConfig, keys *vault.Keyring) string {
	if cfg.TreasuryAddress != "" {
		return cfg.TreasuryAddress
	}
	if cfg.TreasuryKeyName == "" {
		return ""
	}
	if address := keys.Resolve(cfg.TreasuryKeyName); address != cfg.TreasuryKeyName {
		return address
	}
	return ""
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("settlement exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("settlement shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting chatpay-settlement",
		"solana_rpc", cfg.Solana.RPCURL,
		"solana_network", cfg.Solana.Network,
		"store_backend", cfg.DB.Backend,
		"state_backend", cfg.Redis.StateBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "chatpay-settlement",
		Endpoint:    tracingEndpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Network:     cfg.Solana.Network,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	if len(cfg.Escrow.MasterKey) == 0 {
		return fmt.Errorf("VAULT_MASTER_KEY is required")
	}
	sealer, err := vault.NewSealer(cfg.Escrow.MasterKey)
	if err != nil {
		return err
	}
	keys, err := vault.OpenKeyring(cfg.Keyring.File, sealer)
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}

	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := resolveStateBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer state.Close()

	alerter := alert.New(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger)

	rpc := ledger.NewClient(cfg.Solana.RPCURL, logger,
		ledger.WithRateLimit(cfg.Solana.RPCRPS, cfg.Solana.RPCBurst),
		ledger.WithCommitment(ledger.ConfirmationStatus(cfg.Solana.Commitment)),
		ledger.WithBreaker(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(cfg.Solana.Network).Set(float64(to))
				logger.Warn("ledger circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
	)

	resolver := token.NewResolver(st.Repos().Assets, rpc, token.Config{
		CacheSize:    cfg.Token.CacheSize,
		CacheTTL:     cfg.Token.CacheTTL,
		AutoRegister: cfg.Token.AutoRegister,
	}, logger)

	fees, err := fee.NewEngine(fee.Config{
		BPS:             cfg.Fees.BPS,
		MinRaw:          cfg.Fees.MinRaw,
		MinRawOverrides: cfg.Fees.MinRawOverrides,
		BlueChipAssets:  cfg.Fees.BlueChipAssets,
		FallbackRaw:     cfg.Fees.ServiceFeeFallbackRaw,
		FallbackAssetID: model.NativeAssetID,
	})
	if err != nil {
		return fmt.Errorf("build fee engine: %w", err)
	}

	var profiles map[ratelimit.Operation]ratelimit.Profile
	if cfg.Limits.ProfilesFile != "" {
		profiles, err = ratelimit.LoadProfiles(cfg.Limits.ProfilesFile)
		if err != nil {
			return fmt.Errorf("load rate limit profiles: %w", err)
		}
	}
	governor := ratelimit.NewGovernor(state.buckets, profiles, logger)
	idem := idempotency.NewManager(state.records, logger, idempotency.WithTTL(cfg.Idempotency.TTL))

	executor, err := transfer.NewExecutor(rpc, keys, transfer.Config{
		TreasuryAddress:     treasuryAddress(cfg.Fees, keys),
		PlatformAddress:     cfg.Fees.PlatformAddress,
		Commitment:          rpc.Commitment(),
		ConfirmTimeout:      cfg.Transfer.ConfirmTimeout,
		ConfirmPollInterval: cfg.Transfer.ConfirmPollInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("build transfer executor: %w", err)
	}
	if !executor.HasTreasury() {
		logger.Warn("no treasury configured, service fees and escrow releases are disabled")
	}

	escrows := escrow.NewManager(st, executor, sealer, alerter, escrow.Config{
		TTL:         cfg.Escrow.TTL,
		LeaseTTL:    cfg.Escrow.LeaseTTL,
		SweepBatch:  cfg.Escrow.SweepBatch,
		SweepPacing: cfg.Escrow.SweepPacing,
		Network:     cfg.Solana.Network,
	}, logger)
	auditor := escrow.NewAuditor(st, rpc, alerter, cfg.Solana.Network, logger)

	orchestrator := payment.NewOrchestrator(payment.Deps{
		Store:       st,
		Assets:      resolver,
		Directory:   keys,
		Governor:    governor,
		Idempotency: idem,
		Fees:        fees,
		Executor:    executor,
		Escrows:     escrows,
		Alerter:     alerter,
	}, payment.Config{
		WaitTimeout: cfg.Idempotency.WaitTimeout,
		EscrowTTL:   cfg.Escrow.TTL,
		Network:     cfg.Solana.Network,
	}, logger)

	adminOpts := []admin.ServerOption{
		admin.WithAssetRegistry(resolver),
		admin.WithPaymentReader(orchestrator),
		admin.WithEscrowOperator(escrows),
		admin.WithAuditRequester(auditor),
		admin.WithHealthCheck("store", st),
	}
	if state.redis != nil {
		adminOpts = append(adminOpts, admin.WithHealthCheck("redis", redisPinger{client: state.redis}))
	}
	adminServer := admin.NewServer(logger, adminOpts...)
	adminLimiter := admin.NewLimiter(state.buckets, logger)
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty, admin API is unauthenticated")
	}
	adminHandler := admin.AuditMiddleware(logger, adminLimiter.Wrap(admin.BearerAuth(cfg.Server.AdminToken, adminServer.Handler())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, st, logger)
	})
	g.Go(func() error {
		return runHTTPServer(gCtx, "admin", cfg.Server.AdminPort, adminHandler, logger)
	})
	g.Go(func() error {
		return escrows.RunSweeper(gCtx, cfg.Escrow.SweepInterval)
	})
	g.Go(func() error {
		return auditor.RunPeriodic(gCtx, cfg.Escrow.AuditInterval)
	})
	g.Go(func() error {
		return idem.Run(gCtx, cfg.Idempotency.GCInterval)
	})
	g.Go(func() error {
		return runPaymentGC(gCtx, st.Repos().Payments, cfg.Idempotency.GCInterval, cfg.Idempotency.FailedPaymentRetention, logger)
	})
	g.Go(func() error {
		return governor.Run(gCtx, cfg.Limits.SweepInterval, cfg.Limits.Retention)
	})
	g.Go(func() error {
		return adminLimiter.Run(gCtx, cfg.Limits.SweepInterval, cfg.Limits.Retention)
	})

	if db != nil {
		startDBPoolStatsPump(gCtx, db.DB, cfg.DB.PoolStatsInterval, logger)
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runPaymentGC deletes failed payments older than retention.
func runPaymentGC(ctx context.Context, payments store.PaymentRepository, interval, retention time.Duration, logger *slog.Logger) error {
	if interval <= 0 || retention <= 0 {
		return nil
	}
	logger = logger.With("component", "payment_gc")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := payments.PurgeFailedBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("failed payment purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged failed payments", "count", n)
			}
		}
	}
}

func runHealthServer(ctx context.Context, port int, st admin.HealthChecker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ready")); err != nil {
			logger.Warn("failed to write readiness response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return runHTTPServer(ctx, "health", port, mux, logger)
}

func runHTTPServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
