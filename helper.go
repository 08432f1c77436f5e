package ledgerx

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
)

// LocalStore is what LocalHelper needs from an endpoint. Both
// PostgresEndpoint and MemoryEndpoint satisfy it.
type LocalStore interface {
	CreateCustomer(ctx context.Context, c Customer) error
	Decommission(ctx context.Context, acctID snowflake.ID) (int64, error)
}

// LocalHelper carries the administrative chores that are not part of the
// ledger operations: customer seeding and account decommissioning.
type LocalHelper struct {
	Store     LocalStore
	Customers []Customer
	Log       *zerolog.Logger
}

func NewLocalHelper(cfg *Config, store LocalStore, log *zerolog.Logger) *LocalHelper {
	return &LocalHelper{
		Store:     store,
		Customers: cfg.Customers,
		Log:       log,
	}
}

func (lh *LocalHelper) SeedCustomers(ctx context.Context) error {
	for _, c := range lh.Customers {
		if err := lh.Store.CreateCustomer(ctx, c); err != nil {
			return err
		}
		lh.Log.Info().
			Int64("owner_id", c.CustomerID.Int64()).
			Str("realm", c.Realm).
			Msg("customer seeded")
	}
	return nil
}

// PurgeAccount deletes the account and its transaction log.
func (lh *LocalHelper) PurgeAccount(ctx context.Context, acctID snowflake.ID) error {
	n, err := lh.Store.Decommission(ctx, acctID)
	if err != nil {
		return err
	}
	lh.Log.Warn().
		Int64("acct_id", acctID.Int64()).
		Int64("purged", n).
		Msg("account decommissioned")
	return nil
}
