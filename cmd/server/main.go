package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arhyth/ledgerx"
	"github.com/arhyth/ledgerx/iban"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()
	cfgfl, err := os.Open(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening config file")
	}
	cfg, err := ledgerx.LoadConfig(cfgfl)
	cfgfl.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo ledgerx.Repository
		ids  ledgerx.IdentityResolver
	)
	if cfg.Database.ConnStr == "" {
		logger.Warn().Msg("no database configured, running on the in-memory store")
		mem := ledgerx.NewMemoryEndpoint(cfg.Database.LockTimeout)
		if err = ledgerx.NewLocalHelper(cfg, mem, &logger).SeedCustomers(ctx); err != nil {
			logger.Fatal().Err(err).Msg("error seeding customers")
		}
		repo, ids = mem, mem
	} else {
		pgendpt, err := ledgerx.NewPostgresEndpoint(ctx, cfg.Database.ConnStr, cfg.Database.LockTimeout, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting database")
		}
		defer pgendpt.Close()
		repo, ids = pgendpt, pgendpt
	}

	gen, err := iban.NewGenerator(cfg.IBAN.Country, cfg.IBAN.BankCode)
	if err != nil {
		logger.Fatal().Err(err).Msg("error configuring IBAN generator")
	}
	node, err := snowflake.NewNode(cfg.Database.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("error configuring id generator")
	}

	core, err := ledgerx.NewService(repo, ids, gen, node, cfg.IBAN.MaxAttempts, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting service")
	}
	svc := ledgerx.Chain(core,
		ledgerx.NewLimitMiddleware(ledgerx.NewServiceLimits(cfg.Limits)),
		ledgerx.NewCircuitBreakMiddleware(ledgerx.NewServiceBreaker(cfg.Breaker, &logger)),
		ledgerx.NewAuthzMiddleware(repo, ids),
	)
	auth := ledgerx.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Realm)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: ledgerx.NewHTTPHandler(svc, auth, &logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("gracefully shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err = g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}
