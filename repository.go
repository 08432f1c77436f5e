package ledgerx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -destination=mocks/repository.go -package=mocks github.com/arhyth/ledgerx Repository,UnitOfWork,IdentityResolver

// Repository is the account store. Implementations must serialize
// WithAccountLock callers per account across every process sharing the store.
type Repository interface {
	TransactionLog
	CustomerExists(ctx context.Context, id snowflake.ID) (bool, error)
	// CreateAccount returns ErrConflict{Field: "iban"} when the normalized
	// IBAN is already taken.
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	AccountExists(ctx context.Context, id snowflake.ID) (bool, error)
	// WithAccountLock takes the exclusive lock on the account row, hands fn a
	// unit of work bound to it, then commits if fn returns nil and rolls back
	// otherwise. A lock wait past the store's timeout yields ErrLocked.
	WithAccountLock(ctx context.Context, id snowflake.ID, fn func(UnitOfWork) error) error
}

// UnitOfWork is valid only inside the WithAccountLock callback that received it.
type UnitOfWork interface {
	// Account is the row as read under the lock.
	Account() Account
	Append(ctx context.Context, txn *Transaction) error
	// WriteBack persists balance and timestamps if the version still matches,
	// then bumps the version.
	WriteBack(ctx context.Context, acct *Account) error
}

// TransactionLog is the append-only history. Appends go through UnitOfWork.
type TransactionLog interface {
	// RecentFor returns at most limit entries, newest first by (timestamp, id).
	RecentFor(ctx context.Context, acctID snowflake.ID, limit int) ([]Transaction, error)
	// PurgeFor deletes the whole history of an account. Administrative only.
	PurgeFor(ctx context.Context, acctID snowflake.ID) (int64, error)
}

// IdentityResolver maps an authenticated caller to the owning customer.
type IdentityResolver interface {
	// ResolveOwner returns ErrNotFound when no customer is linked to the caller.
	ResolveOwner(ctx context.Context, caller CallerIdentity) (snowflake.ID, error)
}
