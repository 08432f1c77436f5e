package ledgerx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNumericOutOfRange   = "22003"
	pgLockNotAvailable    = "55P03"

	ibanUniqueConstraint = "uk_accounts_iban_normalized"
)

var (
	pgSetLockTimeoutSQL = `
		SELECT set_config('lock_timeout', $1, true);
	`

	pgSelectForUpdateAcctSQL = `
		SELECT id, customer_id, balance, iban_country, iban_normalized, iban_display, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE;
	`

	pgSelectAcctSQL = `
		SELECT id, customer_id, balance, iban_country, iban_normalized, iban_display, version, created_at, updated_at
		FROM accounts
		WHERE id = $1;
	`

	pgInsertAcctSQL = `
		INSERT INTO accounts (id, customer_id, balance, iban_country, iban_normalized, iban_display, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET balance = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND version = $4
		RETURNING version;
	`

	pgInsertTxnSQL = `
		INSERT INTO transactions (id, account_id, ts, typ, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6);
	`

	pgRecentTxnsSQL = `
		SELECT id, account_id, ts, typ, amount, balance_after
		FROM transactions
		WHERE account_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2;
	`

	pgPurgeTxnsSQL = `
		DELETE FROM transactions
		WHERE account_id = $1;
	`

	pgDeleteAcctSQL = `
		DELETE FROM accounts
		WHERE id = $1;
	`

	pgAcctExistsSQL = `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1);
	`

	pgCustomerExistsSQL = `
		SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1);
	`

	pgResolveOwnerSQL = `
		SELECT id
		FROM customers
		WHERE external_auth_id = $1 AND external_auth_realm = $2;
	`

	pgInsertCustomerSQL = `
		INSERT INTO customers (id, external_auth_id, external_auth_realm)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING;
	`
)

type PostgresEndpoint struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	log         *zerolog.Logger
}

var (
	_ Repository       = (*PostgresEndpoint)(nil)
	_ IdentityResolver = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(ctx context.Context, connStr string, lockTimeout time.Duration, log *zerolog.Logger) (*PostgresEndpoint, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	endpt := &PostgresEndpoint{
		pool:        pool,
		lockTimeout: lockTimeout,
		log:         log,
	}
	return endpt, nil
}

func (pg *PostgresEndpoint) Close() {
	pg.pool.Close()
}

// WithAccountLock runs fn in a READ COMMITTED transaction holding the row lock
// of the account. The lock wait is bounded by lock_timeout, scoped to the
// transaction.
func (pg *PostgresEndpoint) WithAccountLock(ctx context.Context, id snowflake.ID, fn func(UnitOfWork) error) error {
	tx, err := pg.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		// no-op after a successful commit
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			pg.log.Err(rerr).Int64("acct_id", id.Int64()).Msg("transaction rollback fail")
		}
	}()

	timeout := fmt.Sprintf("%dms", pg.lockTimeout.Milliseconds())
	if _, err = tx.Exec(ctx, pgSetLockTimeoutSQL, timeout); err != nil {
		return err
	}

	acct, err := scanAccount(tx.QueryRow(ctx, pgSelectForUpdateAcctSQL, id.Int64()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound{ID: id.Int64()}
		}
		if pgCode(err) == pgLockNotAvailable {
			return ErrLocked{ID: id.Int64()}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	uow := &pgUnitOfWork{tx: tx, acct: *acct}
	if err = fn(uow); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (pg *PostgresEndpoint) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := pg.pool.Exec(ctx, pgInsertAcctSQL,
		acct.AcctID.Int64(),
		acct.OwnerID.Int64(),
		acct.Balance,
		acct.IBANCountry,
		acct.IBAN,
		acct.IBANDisplay,
		acct.Version,
		acct.CreatedAt,
		acct.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == ibanUniqueConstraint {
				return ErrConflict{Field: "iban"}
			}
			return ErrConflict{Field: "id"}
		case pgForeignKeyViolation:
			return ErrNotFound{ID: acct.OwnerID.Int64()}
		}
	}
	return err
}

func (pg *PostgresEndpoint) GetAccount(ctx context.Context, id snowflake.ID) (*Account, error) {
	acct, err := scanAccount(pg.pool.QueryRow(ctx, pgSelectAcctSQL, id.Int64()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound{ID: id.Int64()}
		}
		return nil, err
	}
	return acct, nil
}

func (pg *PostgresEndpoint) AccountExists(ctx context.Context, id snowflake.ID) (bool, error) {
	var ok bool
	err := pg.pool.QueryRow(ctx, pgAcctExistsSQL, id.Int64()).Scan(&ok)
	return ok, err
}

func (pg *PostgresEndpoint) CustomerExists(ctx context.Context, id snowflake.ID) (bool, error) {
	var ok bool
	err := pg.pool.QueryRow(ctx, pgCustomerExistsSQL, id.Int64()).Scan(&ok)
	return ok, err
}

func (pg *PostgresEndpoint) ResolveOwner(ctx context.Context, caller CallerIdentity) (snowflake.ID, error) {
	var id int64
	err := pg.pool.QueryRow(ctx, pgResolveOwnerSQL, caller.Subject, caller.Realm).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound{}
		}
		return 0, err
	}
	return snowflake.ParseInt64(id), nil
}

// CreateCustomer is a no-op when the customer already exists.
func (pg *PostgresEndpoint) CreateCustomer(ctx context.Context, c Customer) error {
	_, err := pg.pool.Exec(ctx, pgInsertCustomerSQL, c.CustomerID.Int64(), c.Subject, c.Realm)
	return err
}

func (pg *PostgresEndpoint) RecentFor(ctx context.Context, acctID snowflake.ID, limit int) ([]Transaction, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := pg.pool.Query(ctx, pgRecentTxnsSQL, acctID.Int64(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]Transaction, 0, limit)
	for rows.Next() {
		var (
			id, acct int64
			typ      string
			txn      Transaction
		)
		if err = rows.Scan(&id, &acct, &txn.Timestamp, &typ, &txn.Amount, &txn.BalanceAfter); err != nil {
			return nil, err
		}
		txn.TxnID = snowflake.ParseInt64(id)
		txn.AcctID = snowflake.ParseInt64(acct)
		txn.Type = TxnType(typ)
		txn.Timestamp = txn.Timestamp.UTC()
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (pg *PostgresEndpoint) PurgeFor(ctx context.Context, acctID snowflake.ID) (int64, error) {
	tag, err := pg.pool.Exec(ctx, pgPurgeTxnsSQL, acctID.Int64())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Decommission deletes the account and its whole log in one transaction,
// waiting for any in-flight unit of work on the account.
func (pg *PostgresEndpoint) Decommission(ctx context.Context, acctID snowflake.ID) (int64, error) {
	var purged int64
	err := pg.WithAccountLock(ctx, acctID, func(uow UnitOfWork) error {
		tx := uow.(*pgUnitOfWork).tx
		tag, err := tx.Exec(ctx, pgPurgeTxnsSQL, acctID.Int64())
		if err != nil {
			return err
		}
		purged = tag.RowsAffected()
		_, err = tx.Exec(ctx, pgDeleteAcctSQL, acctID.Int64())
		return err
	})
	return purged, err
}

type pgUnitOfWork struct {
	tx   pgx.Tx
	acct Account
}

func (u *pgUnitOfWork) Account() Account {
	return u.acct
}

func (u *pgUnitOfWork) Append(ctx context.Context, txn *Transaction) error {
	if txn.AcctID != u.acct.AcctID {
		return ErrBadRequest{Fields: map[string]string{"account_id": "does not match locked account"}}
	}
	_, err := u.tx.Exec(ctx, pgInsertTxnSQL,
		txn.TxnID.Int64(),
		txn.AcctID.Int64(),
		txn.Timestamp,
		string(txn.Type),
		txn.Amount,
		txn.BalanceAfter,
	)
	if pgCode(err) == pgCheckViolation {
		return ErrConflict{Field: "balance_after"}
	}
	return err
}

func (u *pgUnitOfWork) WriteBack(ctx context.Context, acct *Account) error {
	if acct.AcctID != u.acct.AcctID {
		return ErrBadRequest{Fields: map[string]string{"id": "does not match locked account"}}
	}
	var version int64
	err := u.tx.QueryRow(ctx, pgUpdateAcctSQL,
		acct.Balance,
		acct.UpdatedAt,
		acct.AcctID.Int64(),
		acct.Version,
	).Scan(&version)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return ErrConflict{Field: "version"}
		case pgCode(err) == pgCheckViolation:
			return ErrConflict{Field: "balance"}
		case pgCode(err) == pgNumericOutOfRange:
			return ErrBadRequest{Fields: map[string]string{"amount": "balance limit exceeded"}}
		}
		return err
	}
	acct.Version = version
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		id, owner int64
		acct      Account
		bal       decimal.Decimal
	)
	err := row.Scan(
		&id,
		&owner,
		&bal,
		&acct.IBANCountry,
		&acct.IBAN,
		&acct.IBANDisplay,
		&acct.Version,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acct.AcctID = snowflake.ParseInt64(id)
	acct.OwnerID = snowflake.ParseInt64(owner)
	acct.Balance = bal
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
