// Command gateway runs the UAPK action gateway: capability-token
// issuance, the admission pipeline, the approval workflow and the
// tamper-evident interaction log, behind one HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/uapk-labs/gateway/pkg/api"
	"github.com/uapk-labs/gateway/pkg/approval"
	"github.com/uapk-labs/gateway/pkg/auth"
	"github.com/uapk-labs/gateway/pkg/budget"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/config"
	"github.com/uapk-labs/gateway/pkg/connector"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/gateway"
	"github.com/uapk-labs/gateway/pkg/manifest"
	"github.com/uapk-labs/gateway/pkg/observability"
	"github.com/uapk-labs/gateway/pkg/policy"
	"github.com/uapk-labs/gateway/pkg/record"
	"github.com/uapk-labs/gateway/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = cfg.Environment
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Enabled = true
	}
	provider, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Init(ctx); err != nil {
		return err
	}
	logger.Info("store ready", "driver", cfg.DatabaseDriver)

	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}
	logger.Info("gateway signing key loaded", "public_key", signer.PublicKeyBase64())

	var box *crypto.SecretBox
	if cfg.GatewayFernetKey != "" {
		box, err = crypto.NewSecretBox(cfg.GatewayFernetKey)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no secret encryption key configured; connector secrets unavailable")
	}

	codec, err := captoken.New(signer, captoken.StoreIssuerKeys(st),
		cfg.SecretKey, cfg.JWTAlgorithm, cfg.SessionExpiry())
	if err != nil {
		return err
	}

	manifests := manifest.NewService(st, logger)
	approvals := approval.NewService(st, codec, cfg.ApprovalExpiry(), logger)
	records := record.NewService(st, signer, logger)
	gw := gateway.NewService(
		st, codec, manifests,
		policy.NewEvaluator(st, logger),
		budget.NewService(st, cfg.GatewayDefaultDailyBudget, logger),
		approvals,
		connector.NewRegistry(st, box, int(cfg.GatewayConnectorTimeout.Seconds()),
			cfg.GatewayAllowedWebhookDomains, logger),
		records, provider, logger,
	)

	idempotency, err := newIdempotencyStore(cfg, st)
	if err != nil {
		return err
	}

	srv := api.NewServer(
		st,
		auth.NewService(st, codec, logger),
		captoken.NewService(st, codec, logger),
		manifests, approvals, records, gw, signer,
		idempotency, provider, logger,
	)

	cors := api.CORS(cfg.CORSOrigins, cfg.CORSMethods, cfg.CORSHeaders)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           cors(srv.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// loadSigner builds the gateway keypair. A configured seed keeps the
// signing identity stable across restarts; without one every boot
// mints a fresh key and previously sealed chains verify only via their
// exported public key.
func loadSigner(cfg *config.Config) (*crypto.Signer, error) {
	if cfg.GatewaySigningKey != "" {
		return crypto.NewSignerFromSeed(cfg.GatewaySigningKey, "gateway")
	}
	return crypto.NewSigner("gateway")
}

func newIdempotencyStore(cfg *config.Config, st *store.Store) (api.IdempotencyStore, error) {
	const ttl = 24 * time.Hour
	switch cfg.IdempotencyBackend {
	case "postgres":
		return api.NewPostgresIdempotency(st.DB(), ttl), nil
	case "redis":
		return api.NewRedisIdempotency(cfg.RedisURL, ttl)
	default:
		return api.NewMemoryIdempotency(ttl), nil
	}
}
