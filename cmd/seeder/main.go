package main

import (
	"context"
	"flag"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/arhyth/ledgerx"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfp := flag.String("config", "config.yml", "path to configuration file")
	purge := flag.String("purge", "", "account ID to decommission together with its transactions")
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
	if cfg.Database.ConnStr == "" {
		logger.Fatal().Msg("database.conn_str is required for seeding")
	}

	ctx := context.Background()
	if err = ledgerx.Migrate(cfg.Database.ConnStr, &logger); err != nil {
		logger.Fatal().Err(err).Msg("error migrating database")
	}
	pgendpt, err := ledgerx.NewPostgresEndpoint(ctx, cfg.Database.ConnStr, cfg.Database.LockTimeout, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting database")
	}
	defer pgendpt.Close()

	lh := ledgerx.NewLocalHelper(cfg, pgendpt, &logger)
	if *purge != "" {
		acctID, err := snowflake.ParseString(*purge)
		if err != nil {
			logger.Fatal().Err(err).Str("acct_id", *purge).Msg("error parsing account ID")
		}
		if err = lh.PurgeAccount(ctx, acctID); err != nil {
			logger.Fatal().Err(err).Str("acct_id", *purge).Msg("error purging account")
		}
		return
	}
	if err = lh.SeedCustomers(ctx); err != nil {
		logger.Fatal().Err(err).Msg("error seeding customers")
	}
}
