package ledgerx

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// BalanceScale is the number of fractional digits kept on stored balances.
	BalanceScale = 4
	// AmountScale is the customer-facing precision of deposit/withdraw amounts.
	AmountScale = 2
	// AmountMaxIntDigits bounds the integer part of an amount.
	AmountMaxIntDigits = 12

	DefaultHistoryLimit = 10
)

type TxnType string

const (
	TxnDeposit  TxnType = "DEPOSIT"
	TxnWithdraw TxnType = "WITHDRAW"
)

// Account is owned by a customer by id only. Balance is never negative.
type Account struct {
	AcctID      snowflake.ID    `json:"id"`
	OwnerID     snowflake.ID    `json:"owner_id"`
	Balance     decimal.Decimal `json:"balance"`
	IBANCountry string          `json:"iban_country"`
	IBAN        string          `json:"iban"`
	IBANDisplay string          `json:"iban_display"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Transaction is an immutable entry of the per-account log.
type Transaction struct {
	TxnID        snowflake.ID    `json:"id"`
	AcctID       snowflake.ID    `json:"account_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         TxnType         `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

// Signed returns the amount as applied to the balance.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == TxnWithdraw {
		return t.Amount.Neg()
	}
	return t.Amount
}

type Customer struct {
	CustomerID snowflake.ID `json:"id" yaml:"id"`
	Subject    uuid.UUID    `json:"external_auth_id" yaml:"subject"`
	Realm      string       `json:"external_auth_realm" yaml:"realm"`
}

// CallerIdentity is what the authentication layer hands over for a request.
type CallerIdentity struct {
	Subject uuid.UUID
	Realm   string
	Admin   bool
}

func (c CallerIdentity) IsZero() bool {
	return c.Subject == uuid.Nil || c.Realm == ""
}

// ledgerTime truncates to the precision PostgreSQL keeps for timestamptz.
func ledgerTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
