package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/operator"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
	"posledger/backend/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Config{Env: cfg.Env, Level: cfg.LogLevel})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry setup failed")
	}

	backends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage unavailable")
	}

	ledger := inventory.NewLedger(backends.store)
	allocator := inventory.NewAllocator(backends.store, ledger, logger.With().Str("component", "allocator").Logger())
	svc := service.New(backends.store, ledger, allocator, logger.With().Str("component", "service").Logger())
	guard := operator.NewGuard(backends.store, backends.attempts, logger.With().Str("component", "operator").Logger(),
		operator.WithPolicy(policyFromConfig(cfg)))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	api := httpapi.New(svc, guard, auth, cfg.AllowedOrigin, logger.With().Str("component", "http").Logger())

	if backends.seeded {
		logDevTokens(logger, auth)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("POS ledger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	for _, closeFn := range backends.closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown error")
	}

	logger.Info().Msg("server stopped")
}

type backends struct {
	store    store.Store
	attempts store.AttemptStore
	closers  []func() error
	seeded   bool
}

// openBackends picks postgres when DATABASE_URL is set and the seeded memory
// store otherwise. PIN attempts live in Redis when REDIS_ADDR is set, else in
// the primary store.
func openBackends(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, pgstore.Config{
			URL:        cfg.DatabaseURL,
			MaxConns:   int32(cfg.DBMaxConns),
			MaxRetries: cfg.TxMaxRetries,
		}, logger.With().Str("component", "postgres").Logger())
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		b.store = pg
		b.closers = append(b.closers, pg.Close)
		logger.Info().Msg("store: postgres")
	} else {
		b.store = memory.NewSeeded()
		b.seeded = true
		logger.Info().Msg("store: in-memory")
	}

	// Both store implementations also keep PIN attempt records.
	b.attempts = b.store.(store.AttemptStore)
	if cfg.RedisAddr != "" {
		client, err := cache.Open(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, keeping PIN attempts in the primary store")
		} else {
			attempts := cache.NewAttemptStore(client)
			b.attempts = attempts
			b.closers = append(b.closers, attempts.Close)
			logger.Info().Msg("pin attempts: redis")
		}
	}
	return b, nil
}

func policyFromConfig(cfg config.Config) operator.Policy {
	return operator.Policy{
		MaxAttempts: cfg.PinMaxAttempts,
		Cooldown:    cfg.PinCooldown(),
	}
}

// logDevTokens prints bearer tokens for the seeded staff so the in-memory
// server can be exercised with curl.
func logDevTokens(logger zerolog.Logger, auth *httpapi.AuthManager) {
	for _, userID := range []string{memory.SeedOwnerID, memory.SeedManagerUserID, memory.SeedCashierUserID} {
		token, expiresAt, err := auth.Issue(domain.Actor{UserID: userID, Role: "staff", StoreIDs: []string{memory.SeedStoreID}})
		if err != nil {
			logger.Error().Err(err).Str("user_id", userID).Msg("issue dev token")
			continue
		}
		logger.Info().
			Str("user_id", userID).
			Str("store_id", memory.SeedStoreID).
			Time("expires_at", expiresAt).
			Str("token", token).
			Msg("dev token")
	}
}
