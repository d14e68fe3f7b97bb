package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hatemosphere/agentic-gateway/internal/agents"
	"github.com/hatemosphere/agentic-gateway/internal/api"
	"github.com/hatemosphere/agentic-gateway/internal/audit"
	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/backup"
	"github.com/hatemosphere/agentic-gateway/internal/config"
	"github.com/hatemosphere/agentic-gateway/internal/secrets"
	"github.com/hatemosphere/agentic-gateway/internal/settlement"
	"github.com/hatemosphere/agentic-gateway/internal/storage"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.Parse()

	// Configure logging format.
	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(logHandler))

	if !cfg.AuditLogs {
		audit.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}

	// Open storage.
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fatal("failed to open database", err)
	}

	// Credential encryption.
	secretsProvider := createSecretsProvider(cfg)
	if closer, ok := secretsProvider.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	if err := secrets.VerifyCanary(context.Background(), store, secretsProvider); err != nil {
		fatal("secrets provider verification failed", err)
	}

	// Agent registry.
	agentSvc := agents.NewService(store, secrets.NewVault(secretsProvider))
	registry := auth.NewCachedRegistry(agentSvc, cfg.AgentCacheSize, cfg.AgentCacheTTL)
	agentSvc.OnChange(registry.Invalidate)
	if cfg.AgentsFile != "" {
		seed, err := agents.LoadSeedFile(cfg.AgentsFile)
		if err != nil {
			fatal("failed to load agents file", err)
		}
		created, err := agentSvc.Seed(context.Background(), seed)
		if err != nil {
			fatal("failed to seed agents", err)
		}
		slog.Info("agents seeded", "file", cfg.AgentsFile, "created", created, "total", len(seed.Agents))
	}

	// Replay protection and rate limiting.
	var redisClient *redis.Client
	if cfg.NonceStore == "redis" || cfg.RateStore == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pctx).Err(); err != nil {
			slog.Warn("redis not reachable at startup; requests will fail closed until it is", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
	}

	var nonces auth.NonceStore
	switch cfg.NonceStore {
	case "memory":
		nonces = auth.NewMemoryNonceStore()
	case "redis":
		nonces = auth.NewRedisNonceStore(redisClient, "agentic-gateway:")
	default:
		nonces = auth.NewSQLNonceStore(store)
	}
	var limiter auth.RateLimiter
	if cfg.RateStore == "redis" {
		limiter = auth.NewRedisRateLimiter(redisClient, "agentic-gateway:")
	} else {
		limiter = auth.NewMemoryRateLimiter()
	}
	slog.Info("agent authentication configured",
		"nonce_store", cfg.NonceStore,
		"rate_store", cfg.RateStore,
		"max_skew", cfg.MaxSkew,
		"webhook_require_nonce", cfg.WebhookRequireNonce,
	)
	if cfg.DebugSignatures {
		slog.Warn("signature debugging enabled: expected signatures are logged on mismatch")
	}

	policy := &auth.RoutePolicy{}
	if cfg.RoutePolicyPath != "" {
		policy, err = auth.LoadRoutePolicy(cfg.RoutePolicyPath)
		if err != nil {
			fatal("failed to load route policy", err)
		}
		slog.Info("route policy loaded", "path", cfg.RoutePolicyPath, "routes", len(policy.Routes))
	}
	if policy.Defaults.Limit == 0 {
		policy.Defaults.Limit = cfg.RateLimit
	}
	if policy.Defaults.Window == 0 {
		policy.Defaults.Window = cfg.RateWindow
	}

	pipeline := auth.NewPipeline(auth.PipelineConfig{
		Registry:            registry,
		Nonces:              nonces,
		Limiter:             limiter,
		Verifier:            auth.NewVerifier(cfg.DebugSignatures),
		MaxSkew:             cfg.MaxSkew,
		StoreTimeout:        cfg.StoreTimeout,
		WebhookRequireNonce: cfg.WebhookRequireNonce,
	})

	ledger := settlement.NewLedger(store, settlement.Config{
		PaymentMethod: cfg.PaymentMethod,
		Events:        store,
	})
	api.RegisterSettlementInFlightGauge(func() float64 {
		return float64(ledger.InFlight())
	})

	serverOpts := []api.ServerOption{
		api.WithAgentService(agentSvc),
		api.WithRoutePolicy(policy),
		api.WithMaxBodyBytes(cfg.MaxBodyBytes),
		api.WithVersion(version),
		api.WithMetricsEndpoint(cfg.ManagementAddr == ""),
	}

	// Admin API authentication.
	switch cfg.AdminAuthMode {
	case "jwt":
		jwtAuth, err := auth.NewAdminJWTAuthenticator(auth.AdminJWTConfig{
			SigningKey:    cfg.JWTSigningKey,
			Issuer:        cfg.JWTIssuer,
			Audience:      cfg.JWTAudience,
			GroupsClaim:   cfg.JWTGroupsClaim,
			SubjectClaim:  cfg.JWTSubjectClaim,
			RequiredGroup: cfg.JWTRequiredGroup,
		})
		if err != nil {
			fatal("failed to create JWT authenticator", err)
		}
		serverOpts = append(serverOpts, api.WithAdminJWT(jwtAuth))
		slog.Info("admin auth mode: jwt", "issuer", cfg.JWTIssuer, "audience", cfg.JWTAudience, "required_group", cfg.JWTRequiredGroup)
	default:
		if cfg.AdminToken != "" {
			serverOpts = append(serverOpts, api.WithAdminToken(cfg.AdminToken))
			slog.Info("admin auth mode: token")
		} else {
			slog.Warn("no admin credential configured; admin API disabled")
		}
	}

	// Backups.
	var scheduler *backup.Scheduler
	if cfg.BackupDir != "" {
		provider, err := backup.NewLocalProvider(cfg.BackupDir)
		if err != nil {
			fatal("failed to create backup provider", err)
		}
		runner := backup.NewRunner(store, provider, cfg.BackupRetention)
		scheduler = backup.NewScheduler(runner.Run, cfg.BackupInterval)
		serverOpts = append(serverOpts, api.WithBackupScheduler(scheduler))
		slog.Info("backups enabled", "dir", cfg.BackupDir, "interval", cfg.BackupInterval, "retention", cfg.BackupRetention)
	}

	// Initialize OpenTelemetry tracing if configured.
	var tp *sdktrace.TracerProvider
	if cfg.OTelServiceName != "" {
		tp, err = initTracer(context.Background(), cfg.OTelServiceName)
		if err != nil {
			fatal("failed to initialize OpenTelemetry", err)
		}
		slog.Info("OpenTelemetry tracing enabled", "service", cfg.OTelServiceName)
	}

	srv := api.NewServer(store, pipeline, ledger, serverOpts...)
	handler := srv.Router()
	if tp != nil {
		handler = otelhttp.NewHandler(handler, "agentic-gateway")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Separate management server for metrics.
	var mgmtServer *http.Server
	if cfg.ManagementAddr != "" {
		mgmtMux := http.NewServeMux()
		mgmtMux.Handle("GET /metrics", api.MetricsHandler())
		mgmtServer = &http.Server{
			Addr:              cfg.ManagementAddr,
			Handler:           mgmtMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("management server starting", "addr", cfg.ManagementAddr)
			if err := mgmtServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("management server error", "error", err)
			}
		}()
	}

	// Expired nonces only matter for the SQLite store; the others expire keys themselves.
	pruneCtx, stopPrune := context.WithCancel(context.Background())
	if cfg.NonceStore == "sqlite" {
		go pruneNonces(pruneCtx, store, time.Minute)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if mgmtServer != nil {
			if err := mgmtServer.Shutdown(ctx); err != nil {
				slog.Error("management server shutdown error", "error", err)
			}
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		close(done)
	}()

	slog.Info("agentic gateway starting", "addr", cfg.Addr, "version", version, "payment_method", cfg.PaymentMethod)

	if cfg.TLS {
		err = httpServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done

	stopPrune()
	if scheduler != nil {
		scheduler.Shutdown()
	}
	if tp != nil {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("tracer provider shutdown error", "error", err)
		}
	}
	store.Close()
	slog.Info("shutdown complete")
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// createSecretsProvider builds the credential encryption provider. Exits on error.
func createSecretsProvider(cfg *config.Config) secrets.Provider {
	if cfg.SecretsProvider == "gcpkms" {
		kmsProvider, err := secrets.NewKMSProvider(context.Background(), cfg.KMSKeyResourceName)
		if err != nil {
			fatal("failed to create KMS secrets provider", err)
		}
		slog.Info("secrets provider: GCP KMS", "key", cfg.KMSKeyResourceName)
		return kmsProvider
	}
	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		fatal("invalid master key", err)
	}
	localProvider, err := secrets.NewLocalProvider(masterKey)
	if err != nil {
		fatal("failed to create local secrets provider", err)
	}
	return localProvider
}

func pruneNonces(ctx context.Context, store *storage.SQLiteStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PruneNonces(ctx, now)
			if err != nil {
				slog.Warn("nonce pruning failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("pruned expired nonces", "count", n)
			}
		}
	}
}

// initTracer sets up an OTLP gRPC trace exporter and returns the TracerProvider.
// Exporter endpoint is configured via standard OTEL_EXPORTER_OTLP_ENDPOINT env var
// (default: localhost:4317).
func initTracer(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
