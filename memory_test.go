package ledgerx_test

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/arhyth/ledgerx"
)

type memFixture struct {
	mem    *ledgerx.MemoryEndpoint
	svc    ledgerx.Service
	acct   *ledgerx.Account
	caller ledgerx.CallerIdentity
}

func newMemFixture(tt *testing.T, lockTimeout time.Duration) *memFixture {
	tt.Helper()
	reqrd := require.New(tt)
	ctx := context.Background()
	mem := ledgerx.NewMemoryEndpoint(lockTimeout)
	caller := ledgerx.CallerIdentity{Subject: uuid.New(), Realm: "ledgerx"}
	reqrd.Nil(mem.CreateCustomer(ctx, ledgerx.Customer{
		CustomerID: testOwnerID,
		Subject:    caller.Subject,
		Realm:      caller.Realm,
	}))
	svc := newService(tt, mem, mem, 5)
	acct, err := svc.CreateAccount(ctx, ledgerx.CreateAccountReq{OwnerID: testOwnerID, Caller: caller})
	reqrd.Nil(err)
	return &memFixture{mem: mem, svc: svc, acct: acct, caller: caller}
}

func (f *memFixture) charge(ctx context.Context, typ ledgerx.TxnType, amount string) (*ledgerx.Account, error) {
	req := ledgerx.ChargeReq{
		Amount: decimal.RequireFromString(amount),
		AcctID: f.acct.AcctID,
		Caller: f.caller,
	}
	if typ == ledgerx.TxnWithdraw {
		return f.svc.Withdraw(ctx, req)
	}
	return f.svc.Deposit(ctx, req)
}

// assertReplay checks that replaying the log from zero reproduces every
// balance-after and the final balance.
func assertReplay(tt *testing.T, mem *ledgerx.MemoryEndpoint, acctID snowflake.ID) {
	tt.Helper()
	as := assert.New(tt)
	reqrd := require.New(tt)
	ctx := context.Background()
	txns, err := mem.RecentFor(ctx, acctID, 1<<20)
	reqrd.Nil(err)
	acct, err := mem.GetAccount(ctx, acctID)
	reqrd.Nil(err)

	sort.Slice(txns, func(i, j int) bool {
		if txns[i].Timestamp.Equal(txns[j].Timestamp) {
			return txns[i].TxnID < txns[j].TxnID
		}
		return txns[i].Timestamp.Before(txns[j].Timestamp)
	})
	running := decimal.Zero
	for _, txn := range txns {
		running = running.Add(txn.Signed())
		as.True(running.Equal(txn.BalanceAfter), "balance after %s", txn.TxnID)
		as.False(txn.BalanceAfter.IsNegative())
	}
	as.True(running.Equal(acct.Balance), "replayed %s, stored %s", running, acct.Balance)
	as.Equal(int64(len(txns)), acct.Version)
}

func TestMemoryConcurrentDeposits(t *testing.T) {
	t.Run("every deposit lands exactly once", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, 5*time.Second)
		ctx := context.Background()
		_, err := f.charge(ctx, ledgerx.TxnDeposit, "10.00")
		reqrd.Nil(err)

		const n = 64
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				_, err := f.charge(gctx, ledgerx.TxnDeposit, "0.25")
				return err
			})
		}
		reqrd.Nil(g.Wait())

		bal, err := f.svc.Balance(ctx, ledgerx.BalanceReq{AcctID: f.acct.AcctID, Caller: f.caller})
		reqrd.Nil(err)
		as.True(decimal.RequireFromString("26.00").Equal(*bal), bal.String())
		assertReplay(tt, f.mem, f.acct.AcctID)
	})
}

func TestMemoryConcurrentWithdrawals(t *testing.T) {
	t.Run("only one of the competing withdrawals succeeds", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, 5*time.Second)
		ctx := context.Background()
		_, err := f.charge(ctx, ledgerx.TxnDeposit, "100.00")
		reqrd.Nil(err)

		var ok, insufficient atomic.Int32
		g := &errgroup.Group{}
		for i := 0; i < 16; i++ {
			g.Go(func() error {
				_, err := f.charge(ctx, ledgerx.TxnWithdraw, "100.00")
				switch {
				case err == nil:
					ok.Add(1)
				case errors.As(err, &ledgerx.ErrInsufficientFunds{}):
					insufficient.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		reqrd.Nil(g.Wait())

		as.Equal(int32(1), ok.Load())
		as.Equal(int32(15), insufficient.Load())
		acct, err := f.mem.GetAccount(ctx, f.acct.AcctID)
		reqrd.Nil(err)
		as.True(acct.Balance.IsZero())
		assertReplay(tt, f.mem, f.acct.AcctID)
	})

	t.Run("mixed traffic keeps the log and balance in step", func(tt *testing.T) {
		reqrd := require.New(tt)
		f := newMemFixture(tt, 5*time.Second)
		ctx := context.Background()
		_, err := f.charge(ctx, ledgerx.TxnDeposit, "5.00")
		reqrd.Nil(err)

		g := &errgroup.Group{}
		for i := 0; i < 40; i++ {
			typ := ledgerx.TxnDeposit
			if i%2 == 1 {
				typ = ledgerx.TxnWithdraw
			}
			g.Go(func() error {
				_, err := f.charge(ctx, typ, "3.33")
				if errors.As(err, &ledgerx.ErrInsufficientFunds{}) {
					return nil
				}
				return err
			})
		}
		reqrd.Nil(g.Wait())
		assertReplay(tt, f.mem, f.acct.AcctID)
	})
}

func TestMemoryWithAccountLock(t *testing.T) {
	t.Run("returns ErrLocked when the lock is not released in time", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, 50*time.Millisecond)
		ctx := context.Background()

		held := make(chan struct{})
		release := make(chan struct{})
		g := &errgroup.Group{}
		g.Go(func() error {
			return f.mem.WithAccountLock(ctx, f.acct.AcctID, func(uow ledgerx.UnitOfWork) error {
				close(held)
				<-release
				return nil
			})
		})
		<-held

		_, err := f.charge(ctx, ledgerx.TxnDeposit, "1.00")
		as.ErrorAs(err, &ledgerx.ErrLocked{})
		as.True(ledgerx.IsRetryable(err))
		close(release)
		reqrd.Nil(g.Wait())

		_, err = f.charge(ctx, ledgerx.TxnDeposit, "1.00")
		as.Nil(err)
	})

	t.Run("returns the context error when the caller gives up first", func(tt *testing.T) {
		as := assert.New(tt)
		f := newMemFixture(tt, time.Minute)
		ctx := context.Background()

		held := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.mem.WithAccountLock(ctx, f.acct.AcctID, func(uow ledgerx.UnitOfWork) error {
				close(held)
				<-release
				return nil
			})
		}()
		<-held

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := f.charge(cctx, ledgerx.TxnDeposit, "1.00")
		as.ErrorIs(err, context.DeadlineExceeded)
		close(release)
		<-done
	})

	t.Run("discards appends when the callback fails", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, time.Second)
		ctx := context.Background()
		boom := errors.New("boom")

		err := f.mem.WithAccountLock(ctx, f.acct.AcctID, func(uow ledgerx.UnitOfWork) error {
			acct := uow.Account()
			reqrd.Nil(uow.Append(ctx, &ledgerx.Transaction{
				TxnID:        snowflake.ParseInt64(1),
				AcctID:       acct.AcctID,
				Timestamp:    time.Now().UTC(),
				Type:         ledgerx.TxnDeposit,
				Amount:       decimal.NewFromInt(1),
				BalanceAfter: decimal.NewFromInt(1),
			}))
			acct.Balance = decimal.NewFromInt(1)
			reqrd.Nil(uow.WriteBack(ctx, &acct))
			return boom
		})
		as.ErrorIs(err, boom)

		txns, err := f.mem.RecentFor(ctx, f.acct.AcctID, 10)
		reqrd.Nil(err)
		as.Empty(txns)
		acct, err := f.mem.GetAccount(ctx, f.acct.AcctID)
		reqrd.Nil(err)
		as.True(acct.Balance.IsZero())
		as.Equal(int64(0), acct.Version)
	})

	t.Run("rejects a stale write-back", func(tt *testing.T) {
		as := assert.New(tt)
		f := newMemFixture(tt, time.Second)
		ctx := context.Background()

		err := f.mem.WithAccountLock(ctx, f.acct.AcctID, func(uow ledgerx.UnitOfWork) error {
			acct := uow.Account()
			acct.Version--
			return uow.WriteBack(ctx, &acct)
		})
		as.ErrorAs(err, &ledgerx.ErrConflict{})
	})

	t.Run("returns ErrNotFound for a missing account", func(tt *testing.T) {
		as := assert.New(tt)
		mem := ledgerx.NewMemoryEndpoint(time.Second)
		err := mem.WithAccountLock(context.Background(), testAcctID, func(uow ledgerx.UnitOfWork) error {
			return nil
		})
		as.ErrorAs(err, &ledgerx.ErrNotFound{})
	})
}

func TestMemoryRecentFor(t *testing.T) {
	t.Run("orders newest first and breaks timestamp ties by id", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, time.Second)
		ctx := context.Background()
		ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		entries := []struct {
			id int64
			at time.Time
		}{
			{10, ts},
			{12, ts.Add(time.Second)},
			{11, ts.Add(time.Second)},
			{9, ts.Add(2 * time.Second)},
		}

		err := f.mem.WithAccountLock(ctx, f.acct.AcctID, func(uow ledgerx.UnitOfWork) error {
			bal := decimal.Zero
			for _, e := range entries {
				bal = bal.Add(decimal.NewFromInt(1))
				err := uow.Append(ctx, &ledgerx.Transaction{
					TxnID:        snowflake.ParseInt64(e.id),
					AcctID:       f.acct.AcctID,
					Timestamp:    e.at,
					Type:         ledgerx.TxnDeposit,
					Amount:       decimal.NewFromInt(1),
					BalanceAfter: bal,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		reqrd.Nil(err)

		txns, err := f.mem.RecentFor(ctx, f.acct.AcctID, 10)
		reqrd.Nil(err)
		got := make([]int64, 0, len(txns))
		for _, txn := range txns {
			got = append(got, txn.TxnID.Int64())
		}
		as.Equal([]int64{9, 12, 11, 10}, got)

		txns, err = f.mem.RecentFor(ctx, f.acct.AcctID, 2)
		reqrd.Nil(err)
		as.Len(txns, 2)

		txns, err = f.mem.RecentFor(ctx, f.acct.AcctID, 0)
		reqrd.Nil(err)
		as.Len(txns, 1)
	})

	t.Run("returns the last ten through the engine", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, time.Second)
		ctx := context.Background()
		for i := 0; i < 15; i++ {
			_, err := f.charge(ctx, ledgerx.TxnDeposit, "1.00")
			reqrd.Nil(err)
		}

		txns, err := f.svc.RecentTransactions(ctx, ledgerx.HistoryReq{AcctID: f.acct.AcctID, Caller: f.caller})
		reqrd.Nil(err)
		as.Len(txns, ledgerx.DefaultHistoryLimit)
		for i := 1; i < len(txns); i++ {
			as.True(txns[i-1].Timestamp.After(txns[i].Timestamp))
		}
		as.True(decimal.NewFromInt(15).Equal(txns[0].BalanceAfter))
	})
}

func TestMemoryCreateAccount(t *testing.T) {
	t.Run("rejects a duplicate IBAN", func(tt *testing.T) {
		as := assert.New(tt)
		f := newMemFixture(tt, time.Second)
		dup := *f.acct
		dup.AcctID = snowflake.ParseInt64(dup.AcctID.Int64() + 1)

		err := f.mem.CreateAccount(context.Background(), &dup)
		cf := ledgerx.ErrConflict{}
		as.ErrorAs(err, &cf)
		as.Equal("iban", cf.Field)
	})

	t.Run("rejects an unknown owner", func(tt *testing.T) {
		as := assert.New(tt)
		mem := ledgerx.NewMemoryEndpoint(time.Second)
		err := mem.CreateAccount(context.Background(), &ledgerx.Account{
			AcctID:  testAcctID,
			OwnerID: testOwnerID,
			IBAN:    "DE97500105170000000001",
		})
		as.ErrorAs(err, &ledgerx.ErrNotFound{})
	})
}

func TestMemoryDecommission(t *testing.T) {
	t.Run("removes the account and its log", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, time.Second)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := f.charge(ctx, ledgerx.TxnDeposit, "1.00")
			reqrd.Nil(err)
		}

		n, err := f.mem.Decommission(ctx, f.acct.AcctID)
		reqrd.Nil(err)
		as.Equal(int64(3), n)
		ok, err := f.mem.AccountExists(ctx, f.acct.AcctID)
		reqrd.Nil(err)
		as.False(ok)
		_, err = f.charge(ctx, ledgerx.TxnDeposit, "1.00")
		as.ErrorAs(err, &ledgerx.ErrNotFound{})
	})
}

func TestMemoryPurgeFor(t *testing.T) {
	t.Run("empties the log and reports the count", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newMemFixture(tt, time.Second)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			_, err := f.charge(ctx, ledgerx.TxnDeposit, "2.00")
			reqrd.Nil(err)
		}

		n, err := f.mem.PurgeFor(ctx, f.acct.AcctID)
		reqrd.Nil(err)
		as.Equal(int64(4), n)
		txns, err := f.mem.RecentFor(ctx, f.acct.AcctID, 10)
		reqrd.Nil(err)
		as.Empty(txns)

		n, err = f.mem.PurgeFor(ctx, testAcctID)
		reqrd.Nil(err)
		as.Zero(n)
	})
}
