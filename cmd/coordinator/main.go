// Package main runs the cross-chain vault coordinator: the destination-side
// registry that receives relayed payloads, tracks relay quorum, applies
// keeper updates, executes vault deposits and withdrawals, and dispatches
// acknowledgements back toward the source chain.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/config"
	"github.com/omnivault-network/coordinator/internal/events"
	"github.com/omnivault-network/coordinator/internal/httpapi"
	"github.com/omnivault-network/coordinator/internal/metrics"
	"github.com/omnivault-network/coordinator/internal/middleware"
	"github.com/omnivault-network/coordinator/internal/registry"
	"github.com/omnivault-network/coordinator/internal/registry/postgres"
	"github.com/omnivault-network/coordinator/internal/relay"
	"github.com/omnivault-network/coordinator/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mc := metrics.NewPromCollector("coordinator")
	eventLog := events.NewRingBuffer(cfg.Events.BufferSize)

	var store registry.Store
	if cfg.Database.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		store = pg
		log.Info().Msg("using postgres store")
	} else {
		store = registry.NewMemoryStore()
		log.Warn().Msg("using in-memory store; payloads will not survive restarts")
	}

	quorum := registry.NewTracker(store, registry.StaticQuorum{
		Default:  cfg.Quorum.Default,
		PerChain: cfg.Quorum.PerChain,
	}, mc)

	// Simulation backends. Production deployments swap these for on-chain
	// implementations behind the same interfaces.
	resolver := vault.NewStaticResolver()
	router := vault.NewMemoryRouter()
	custodian := vault.NewMemoryCustodian()
	accountant := vault.NewMemoryAccountant()

	var relayers []relay.Relayer
	for _, rc := range cfg.Relays {
		relayers = append(relayers, relay.NewHTTPRelayer(relay.HTTPRelayerConfig{
			ID:        rc.ID,
			Endpoints: rc.Endpoints,
			Token:     rc.Token,
		}))
		log.Info().Uint8("relay_id", rc.ID).Int("endpoints", len(rc.Endpoints)).Msg("configured HTTP relay")
	}
	if len(relayers) == 0 {
		relayers = []relay.Relayer{relay.NewLoopback(1), relay.NewLoopback(2)}
		log.Warn().Msg("no relays configured; using loopback relays")
	}

	dispatcher := relay.NewDispatcher(relayers, log, eventLog, mc)

	ingest := registry.NewIngest(store, quorum, log, eventLog, mc)
	updater := registry.NewUpdater(store, quorum, router, cfg.ChainID, log, eventLog, mc)
	engine := registry.NewEngine(registry.EngineDeps{
		Store:        store,
		Quorum:       quorum,
		Resolver:     resolver,
		Router:       router,
		Accountant:   accountant,
		Custodian:    custodian,
		Dispatcher:   dispatcher,
		LocalChainID: cfg.ChainID,
		Log:          log,
		Events:       eventLog,
		Metrics:      mc,
	})

	var auth *middleware.Auth
	if cfg.Auth.JWTSecret != "" {
		auth = middleware.NewAuth([]byte(cfg.Auth.JWTSecret), log)
	} else {
		log.Warn().Msg("authentication disabled; keeper routes are open")
	}

	limiter := middleware.NewRateLimiter(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst, log)
	limiter.StartCleanup(10 * time.Minute)

	handler := httpapi.NewHandler(httpapi.Deps{
		Ingest:         ingest,
		Updater:        updater,
		Engine:         engine,
		Store:          store,
		Events:         eventLog,
		Metrics:        mc,
		MetricsHandler: mc.Handler(),
		Auth:           auth,
		RateLimiter:    limiter,
		Log:            log,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Uint64("chain_id", cfg.ChainID).Msg("coordinator listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("coordinator stopped")
}
