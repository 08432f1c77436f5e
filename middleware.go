package ledgerx

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

type Middleware func(Service) Service

// Chain wraps svc so that the first middleware is the outermost.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

//
// Authorization middleware
//

var (
	_ Service = (*authzMiddleware)(nil)
)

// authzMiddleware is the gate in front of the engine. Every call needs an
// authenticated caller. Reads are let through for admins and for the owner
// of the account; everybody else gets ErrNotFound. Deposit and Withdraw
// resolve ownership inside the engine and are passed through.
type authzMiddleware struct {
	next Service
	repo Repository
	ids  IdentityResolver
}

func NewAuthzMiddleware(repo Repository, ids IdentityResolver) Middleware {
	return func(svc Service) Service {
		return &authzMiddleware{
			next: svc,
			repo: repo,
			ids:  ids,
		}
	}
}

func (a *authzMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	if req.Caller.IsZero() {
		return nil, ErrUnauthorized
	}
	if err := validate.Struct(req); err != nil {
		return nil, ErrBadRequest{Fields: map[string]string{"owner_id": "missing or invalid"}}
	}
	if !req.Caller.Admin {
		ownerID, err := a.ids.ResolveOwner(ctx, req.Caller)
		if err != nil {
			if errors.As(err, &ErrNotFound{}) {
				return nil, ErrNotFound{ID: req.OwnerID.Int64()}
			}
			return nil, err
		}
		if ownerID != req.OwnerID {
			return nil, ErrNotFound{ID: req.OwnerID.Int64()}
		}
	}
	return a.next.CreateAccount(ctx, req)
}

func (a *authzMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Account, error) {
	if req.Caller.IsZero() {
		return nil, ErrUnauthorized
	}
	return a.next.Deposit(ctx, req)
}

func (a *authzMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Account, error) {
	if req.Caller.IsZero() {
		return nil, ErrUnauthorized
	}
	return a.next.Withdraw(ctx, req)
}

func (a *authzMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	if err := a.canRead(ctx, req.AcctID, req.Caller); err != nil {
		return nil, err
	}
	return a.next.Balance(ctx, req)
}

func (a *authzMiddleware) Account(ctx context.Context, req AccountReq) (*Account, error) {
	if err := a.canRead(ctx, req.AcctID, req.Caller); err != nil {
		return nil, err
	}
	return a.next.Account(ctx, req)
}

func (a *authzMiddleware) RecentTransactions(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	if err := a.canRead(ctx, req.AcctID, req.Caller); err != nil {
		return nil, err
	}
	return a.next.RecentTransactions(ctx, req)
}

func (a *authzMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	if err := a.canRead(ctx, req.AcctID, req.Caller); err != nil {
		return err
	}
	return a.next.Statement(ctx, w, req)
}

func (a *authzMiddleware) canRead(ctx context.Context, acctID snowflake.ID, caller CallerIdentity) error {
	if caller.IsZero() {
		return ErrUnauthorized
	}
	if caller.Admin {
		return nil
	}
	ownerID, err := a.ids.ResolveOwner(ctx, caller)
	if err != nil {
		if errors.As(err, &ErrNotFound{}) {
			return ErrNotFound{ID: acctID.Int64()}
		}
		return err
	}
	acct, err := a.repo.GetAccount(ctx, acctID)
	if err != nil {
		return err
	}
	if acct.OwnerID != ownerID {
		return ErrNotFound{ID: acctID.Int64()}
	}
	return nil
}

//
// Rate limiting middlewares
//

// limitMiddleware sheds load with one weighted semaphore per operation
// group. A request that cannot get a token within AcquireTimeout fails with
// ErrBusy. Weights are static per process.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	AcquireTimeout time.Duration
	CreateAccount  *semaphore.Weighted
	Deposit        *semaphore.Weighted
	Withdraw       *semaphore.Weighted
	Read           *semaphore.Weighted
	Statement      *semaphore.Weighted
}

func NewServiceLimits(cfg LimitsConfig) *ServiceLimits {
	return &ServiceLimits{
		AcquireTimeout: cfg.AcquireTimeout,
		CreateAccount:  semaphore.NewWeighted(cfg.CreateAccount),
		Deposit:        semaphore.NewWeighted(cfg.Deposit),
		Withdraw:       semaphore.NewWeighted(cfg.Withdraw),
		Read:           semaphore.NewWeighted(cfg.Read),
		Statement:      semaphore.NewWeighted(cfg.Statement),
	}
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

func (l *limitMiddleware) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	actx, cancel := context.WithTimeout(ctx, l.limits.AcquireTimeout)
	defer cancel()
	if err := sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.CreateAccount)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.CreateAccount(ctx, req)
}

func (l *limitMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Deposit)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Deposit(ctx, req)
}

func (l *limitMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Withdraw)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Withdraw(ctx, req)
}

func (l *limitMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Balance(ctx, req)
}

func (l *limitMiddleware) Account(ctx context.Context, req AccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Account(ctx, req)
}

func (l *limitMiddleware) RecentTransactions(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.RecentTransactions(ctx, req)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	release, err := l.acquire(ctx, l.limits.Statement)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(ctx, w, req)
}

type ServiceBreaker struct {
	CreateAccount      *gobreaker.TwoStepCircuitBreaker[*Account]
	Deposit            *gobreaker.TwoStepCircuitBreaker[*Account]
	Withdraw           *gobreaker.TwoStepCircuitBreaker[*Account]
	Balance            *gobreaker.TwoStepCircuitBreaker[*decimal.Decimal]
	Account            *gobreaker.TwoStepCircuitBreaker[*Account]
	RecentTransactions *gobreaker.TwoStepCircuitBreaker[[]Transaction]
	Statement          *gobreaker.TwoStepCircuitBreaker[any]
}

func NewServiceBreaker(cfg BreakerConfig, log *zerolog.Logger) *ServiceBreaker {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}
	}
	return &ServiceBreaker{
		CreateAccount:      gobreaker.NewTwoStepCircuitBreaker[*Account](settings("create_account")),
		Deposit:            gobreaker.NewTwoStepCircuitBreaker[*Account](settings("deposit")),
		Withdraw:           gobreaker.NewTwoStepCircuitBreaker[*Account](settings("withdraw")),
		Balance:            gobreaker.NewTwoStepCircuitBreaker[*decimal.Decimal](settings("balance")),
		Account:            gobreaker.NewTwoStepCircuitBreaker[*Account](settings("account")),
		RecentTransactions: gobreaker.NewTwoStepCircuitBreaker[[]Transaction](settings("recent_transactions")),
		Statement:          gobreaker.NewTwoStepCircuitBreaker[any](settings("statement")),
	}
}

// circuitBreakMiddleware trips per operation after consecutive infrastructure
// failures and answers ErrBusy while open. Business outcomes, lock timeouts,
// shed requests and client cancellations count as successes.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

func guard[T any](cb *gobreaker.TwoStepCircuitBreaker[T], call func() (T, error)) (T, error) {
	done, err := cb.Allow()
	if err != nil {
		var zero T
		return zero, ErrBusy
	}
	res, err := call()
	done(err == nil ||
		isBusinessError(err) ||
		errors.As(err, &ErrLocked{}) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, context.Canceled))
	return res, err
}

func (c *circuitBreakMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	return guard(c.brkrs.CreateAccount, func() (*Account, error) {
		return c.next.CreateAccount(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Account, error) {
	return guard(c.brkrs.Deposit, func() (*Account, error) {
		return c.next.Deposit(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Account, error) {
	return guard(c.brkrs.Withdraw, func() (*Account, error) {
		return c.next.Withdraw(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	return guard(c.brkrs.Balance, func() (*decimal.Decimal, error) {
		return c.next.Balance(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Account(ctx context.Context, req AccountReq) (*Account, error) {
	return guard(c.brkrs.Account, func() (*Account, error) {
		return c.next.Account(ctx, req)
	})
}

func (c *circuitBreakMiddleware) RecentTransactions(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	return guard(c.brkrs.RecentTransactions, func() ([]Transaction, error) {
		return c.next.RecentTransactions(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	_, err := guard(c.brkrs.Statement, func() (any, error) {
		return nil, c.next.Statement(ctx, w, req)
	})
	return err
}
