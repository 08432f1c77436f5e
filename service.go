package ledgerx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arhyth/ledgerx/iban"
)

//go:generate mockgen -destination=mocks/service.go -package=mocks github.com/arhyth/ledgerx Service

type CreateAccountReq struct {
	OwnerID snowflake.ID   `json:"owner_id" validate:"required"`
	Caller  CallerIdentity `json:"-"`
}

type ChargeReq struct {
	Amount decimal.Decimal `json:"amount"`
	AcctID snowflake.ID    `json:"-"`
	Caller CallerIdentity  `json:"-"`
}

type BalanceReq struct {
	AcctID snowflake.ID
	Caller CallerIdentity
}

type AccountReq struct {
	AcctID snowflake.ID
	Caller CallerIdentity
}

type HistoryReq struct {
	AcctID snowflake.ID
	Limit  int
	Caller CallerIdentity
}

type StatementReq struct {
	AcctID snowflake.ID
	Limit  int
	Caller CallerIdentity
}

// Service is the ledger engine. Deposit and Withdraw are the only writers of
// Account.Balance. The read operations expect authorization to have happened
// before they are called (see NewAuthzMiddleware).
type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error)
	Deposit(ctx context.Context, req ChargeReq) (*Account, error)
	Withdraw(ctx context.Context, req ChargeReq) (*Account, error)
	Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error)
	Account(ctx context.Context, req AccountReq) (*Account, error)
	RecentTransactions(ctx context.Context, req HistoryReq) ([]Transaction, error)
	Statement(ctx context.Context, w io.Writer, req StatementReq) error
}

var (
	_ Service = (*serviceImpl)(nil)

	maxAmount = decimal.New(1, AmountMaxIntDigits)
)

type serviceImpl struct {
	repo        Repository
	ids         IdentityResolver
	gen         *iban.Generator
	node        *snowflake.Node
	maxAttempts int
	log         *zerolog.Logger
}

func NewService(repo Repository, ids IdentityResolver, gen *iban.Generator, node *snowflake.Node, maxAttempts int, log *zerolog.Logger) (*serviceImpl, error) {
	if repo == nil || ids == nil || gen == nil || node == nil {
		return nil, errors.New("ledgerx: service dependencies must not be nil")
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &serviceImpl{
		repo:        repo,
		ids:         ids,
		gen:         gen,
		node:        node,
		maxAttempts: maxAttempts,
		log:         log,
	}, nil
}

// ValidateAmount accepts positive amounts with at most 12 integer and
// 2 fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return ErrBadRequest{Fields: map[string]string{"amount": "must be positive"}}
	case !amount.Equal(amount.Truncate(AmountScale)):
		return ErrBadRequest{Fields: map[string]string{"amount": "at most 2 fractional digits"}}
	case amount.GreaterThanOrEqual(maxAmount):
		return ErrBadRequest{Fields: map[string]string{"amount": "at most 12 integer digits"}}
	}
	return nil
}

func (s *serviceImpl) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	ok, err := s.repo.CustomerExists(ctx, req.OwnerID)
	if err != nil {
		return nil, s.sanitize(err, "create_account")
	}
	if !ok {
		return nil, ErrNotFound{ID: req.OwnerID.Int64()}
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res, err := s.gen.GenerateRandom()
		if err != nil {
			return nil, s.sanitize(err, "create_account")
		}
		now := ledgerTime(time.Now())
		acct := &Account{
			AcctID:      s.node.Generate(),
			OwnerID:     req.OwnerID,
			Balance:     decimal.Zero,
			IBANCountry: res.Country,
			IBAN:        res.Normalized,
			IBANDisplay: res.Display,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.repo.CreateAccount(ctx, acct)
		if err == nil {
			s.log.Info().
				Str("method", "create_account").
				Int64("acct_id", acct.AcctID.Int64()).
				Int64("owner_id", acct.OwnerID.Int64()).
				Msg("account created")
			return acct, nil
		}
		if !errors.As(err, &ErrConflict{}) {
			return nil, s.sanitize(err, "create_account")
		}
		s.log.Warn().
			Str("method", "create_account").
			Int("attempt", attempt).
			Msg("generated IBAN already taken, regenerating")
	}

	s.log.Error().
		Str("method", "create_account").
		Int("attempts", s.maxAttempts).
		Msg("IBAN generation exhausted")
	return nil, ErrExhausted
}

func (s *serviceImpl) Deposit(ctx context.Context, req ChargeReq) (*Account, error) {
	return s.charge(ctx, req, TxnDeposit)
}

func (s *serviceImpl) Withdraw(ctx context.Context, req ChargeReq) (*Account, error) {
	return s.charge(ctx, req, TxnWithdraw)
}

// charge runs the locked read, arithmetic, append and write-back as one unit
// of work. Validation and caller resolution happen before the lock is taken.
func (s *serviceImpl) charge(ctx context.Context, req ChargeReq, typ TxnType) (*Account, error) {
	method := "deposit"
	if typ == TxnWithdraw {
		method = "withdraw"
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	ownerID, err := s.resolveCaller(ctx, req.AcctID, req.Caller, method)
	if err != nil {
		return nil, err
	}

	var updated Account
	err = s.repo.WithAccountLock(ctx, req.AcctID, func(uow UnitOfWork) error {
		acct := uow.Account()
		if acct.OwnerID != ownerID {
			return ErrNotFound{ID: req.AcctID.Int64()}
		}

		var newBal decimal.Decimal
		if typ == TxnWithdraw {
			if acct.Balance.LessThan(req.Amount) {
				return ErrInsufficientFunds{ID: req.AcctID.Int64()}
			}
			newBal = acct.Balance.Sub(req.Amount)
		} else {
			newBal = acct.Balance.Add(req.Amount)
		}

		ts := ledgerTime(time.Now())
		if !ts.After(acct.UpdatedAt) {
			ts = acct.UpdatedAt.Add(time.Microsecond)
		}
		txn := &Transaction{
			TxnID:        s.node.Generate(),
			AcctID:       acct.AcctID,
			Timestamp:    ts,
			Type:         typ,
			Amount:       req.Amount,
			BalanceAfter: newBal,
		}
		if err := uow.Append(ctx, txn); err != nil {
			return err
		}

		acct.Balance = newBal
		acct.UpdatedAt = ts
		if err := uow.WriteBack(ctx, &acct); err != nil {
			return err
		}
		updated = acct
		return nil
	})
	if err != nil {
		return nil, s.sanitize(err, method)
	}

	s.log.Info().
		Str("method", method).
		Int64("acct_id", updated.AcctID.Int64()).
		Str("amount", req.Amount.String()).
		Int64("version", updated.Version).
		Msg("charge committed")
	return &updated, nil
}

func (s *serviceImpl) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	acct, err := s.repo.GetAccount(ctx, req.AcctID)
	if err != nil {
		return nil, s.sanitize(err, "balance")
	}
	bal := acct.Balance
	return &bal, nil
}

func (s *serviceImpl) Account(ctx context.Context, req AccountReq) (*Account, error) {
	acct, err := s.repo.GetAccount(ctx, req.AcctID)
	if err != nil {
		return nil, s.sanitize(err, "account")
	}
	return acct, nil
}

func (s *serviceImpl) RecentTransactions(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	ok, err := s.repo.AccountExists(ctx, req.AcctID)
	if err != nil {
		return nil, s.sanitize(err, "recent_transactions")
	}
	if !ok {
		return nil, ErrNotFound{ID: req.AcctID.Int64()}
	}
	txns, err := s.repo.RecentFor(ctx, req.AcctID, historyLimit(req.Limit))
	if err != nil {
		return nil, s.sanitize(err, "recent_transactions")
	}
	return txns, nil
}

func (s *serviceImpl) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	acct, err := s.repo.GetAccount(ctx, req.AcctID)
	if err != nil {
		return s.sanitize(err, "statement")
	}
	txns, err := s.repo.RecentFor(ctx, req.AcctID, historyLimit(req.Limit))
	if err != nil {
		return s.sanitize(err, "statement")
	}
	// render fully before touching w so a failure leaves it untouched
	buf := new(bytes.Buffer)
	if err = RenderStatement(buf, acct, txns, time.Now()); err != nil {
		return s.sanitize(err, "statement")
	}
	if _, err = buf.WriteTo(w); err != nil {
		return s.sanitize(err, "statement")
	}
	return nil
}

// resolveCaller maps the caller to its customer id. An unknown caller is
// reported as a missing account.
func (s *serviceImpl) resolveCaller(ctx context.Context, acctID snowflake.ID, caller CallerIdentity, method string) (snowflake.ID, error) {
	if caller.IsZero() {
		return 0, ErrBadRequest{Fields: map[string]string{"caller": "missing identity"}}
	}
	ownerID, err := s.ids.ResolveOwner(ctx, caller)
	if err != nil {
		if errors.As(err, &ErrNotFound{}) {
			return 0, ErrNotFound{ID: acctID.Int64()}
		}
		return 0, s.sanitize(err, method)
	}
	return ownerID, nil
}

// sanitize lets domain errors through and logs and replaces anything else.
func (s *serviceImpl) sanitize(err error, method string) error {
	switch {
	case isBusinessError(err),
		IsRetryable(err),
		errors.As(err, &ErrConflict{}),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	s.log.Err(err).Str("method", method).Msg("ledger operation failed")
	return ErrInternalServer
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
