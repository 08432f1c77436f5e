package ledgerx

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	_ Repository       = (*MemoryEndpoint)(nil)
	_ IdentityResolver = (*MemoryEndpoint)(nil)
)

type callerKey struct {
	subject uuid.UUID
	realm   string
}

type memAccount struct {
	// lock is the per-account row lock; weight 1 makes it exclusive.
	lock *semaphore.Weighted
	acct Account
	txns []Transaction
}

// MemoryEndpoint keeps customers, accounts and their logs in process memory.
// It serializes WithAccountLock per account like the PostgreSQL endpoint does
// but only within a single process.
type MemoryEndpoint struct {
	mu          sync.RWMutex
	customers   map[snowflake.ID]Customer
	callers     map[callerKey]snowflake.ID
	accounts    map[snowflake.ID]*memAccount
	ibans       map[string]snowflake.ID
	lockTimeout time.Duration
}

func NewMemoryEndpoint(lockTimeout time.Duration) *MemoryEndpoint {
	return &MemoryEndpoint{
		customers:   make(map[snowflake.ID]Customer),
		callers:     make(map[callerKey]snowflake.ID),
		accounts:    make(map[snowflake.ID]*memAccount),
		ibans:       make(map[string]snowflake.ID),
		lockTimeout: lockTimeout,
	}
}

// CreateCustomer is a no-op when the customer already exists.
func (m *MemoryEndpoint) CreateCustomer(ctx context.Context, c Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[c.CustomerID]; ok {
		return nil
	}
	if _, ok := m.callers[callerKey{subject: c.Subject, realm: c.Realm}]; ok {
		return nil
	}
	m.customers[c.CustomerID] = c
	m.callers[callerKey{subject: c.Subject, realm: c.Realm}] = c.CustomerID
	return nil
}

func (m *MemoryEndpoint) ResolveOwner(ctx context.Context, caller CallerIdentity) (snowflake.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.callers[callerKey{subject: caller.Subject, realm: caller.Realm}]
	if !ok {
		return 0, ErrNotFound{}
	}
	return id, nil
}

func (m *MemoryEndpoint) CustomerExists(ctx context.Context, id snowflake.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.customers[id]
	return ok, nil
}

func (m *MemoryEndpoint) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[acct.OwnerID]; !ok {
		return ErrNotFound{ID: acct.OwnerID.Int64()}
	}
	if _, ok := m.ibans[acct.IBAN]; ok {
		return ErrConflict{Field: "iban"}
	}
	if _, ok := m.accounts[acct.AcctID]; ok {
		return ErrConflict{Field: "id"}
	}
	m.accounts[acct.AcctID] = &memAccount{
		lock: semaphore.NewWeighted(1),
		acct: *acct,
	}
	m.ibans[acct.IBAN] = acct.AcctID
	return nil
}

func (m *MemoryEndpoint) GetAccount(ctx context.Context, id snowflake.ID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ma, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound{ID: id.Int64()}
	}
	acct := ma.acct
	return &acct, nil
}

func (m *MemoryEndpoint) AccountExists(ctx context.Context, id snowflake.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.accounts[id]
	return ok, nil
}

func (m *MemoryEndpoint) WithAccountLock(ctx context.Context, id snowflake.ID, fn func(UnitOfWork) error) error {
	m.mu.RLock()
	ma, ok := m.accounts[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound{ID: id.Int64()}
	}

	lctx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()
	if err := ma.lock.Acquire(lctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLocked{ID: id.Int64()}
	}
	defer ma.lock.Release(1)

	m.mu.RLock()
	uow := &memUnitOfWork{acct: ma.acct}
	m.mu.RUnlock()
	if err := fn(uow); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// account was decommissioned while held
	if cur, ok := m.accounts[id]; !ok || cur != ma {
		return ErrNotFound{ID: id.Int64()}
	}
	ma.txns = append(ma.txns, uow.pending...)
	if uow.written != nil {
		ma.acct = *uow.written
	}
	return nil
}

func (m *MemoryEndpoint) RecentFor(ctx context.Context, acctID snowflake.ID, limit int) ([]Transaction, error) {
	if limit < 1 {
		limit = 1
	}
	m.mu.RLock()
	ma, ok := m.accounts[acctID]
	if !ok {
		m.mu.RUnlock()
		return []Transaction{}, nil
	}
	txns := make([]Transaction, len(ma.txns))
	copy(txns, ma.txns)
	m.mu.RUnlock()

	sort.Slice(txns, func(i, j int) bool {
		if txns[i].Timestamp.Equal(txns[j].Timestamp) {
			return txns[i].TxnID > txns[j].TxnID
		}
		return txns[i].Timestamp.After(txns[j].Timestamp)
	})
	if len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

func (m *MemoryEndpoint) PurgeFor(ctx context.Context, acctID snowflake.ID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ma, ok := m.accounts[acctID]
	if !ok {
		return 0, nil
	}
	n := int64(len(ma.txns))
	ma.txns = nil
	return n, nil
}

// Decommission removes the account together with its log.
func (m *MemoryEndpoint) Decommission(ctx context.Context, acctID snowflake.ID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ma, ok := m.accounts[acctID]
	if !ok {
		return 0, ErrNotFound{ID: acctID.Int64()}
	}
	delete(m.accounts, acctID)
	delete(m.ibans, ma.acct.IBAN)
	return int64(len(ma.txns)), nil
}

// memUnitOfWork buffers appends and the write-back until the callback
// returns without error.
type memUnitOfWork struct {
	acct    Account
	pending []Transaction
	written *Account
}

func (u *memUnitOfWork) Account() Account {
	return u.acct
}

func (u *memUnitOfWork) Append(ctx context.Context, txn *Transaction) error {
	if txn.AcctID != u.acct.AcctID {
		return ErrBadRequest{Fields: map[string]string{"account_id": "does not match locked account"}}
	}
	if txn.BalanceAfter.IsNegative() {
		return ErrConflict{Field: "balance_after"}
	}
	u.pending = append(u.pending, *txn)
	return nil
}

func (u *memUnitOfWork) WriteBack(ctx context.Context, acct *Account) error {
	if acct.AcctID != u.acct.AcctID {
		return ErrBadRequest{Fields: map[string]string{"id": "does not match locked account"}}
	}
	if acct.Version != u.acct.Version {
		return ErrConflict{Field: "version"}
	}
	if acct.Balance.IsNegative() {
		return ErrConflict{Field: "balance"}
	}
	w := *acct
	w.Version++
	acct.Version = w.Version
	u.written = &w
	return nil
}
