// Package iban generates and validates International Bank Account Numbers
// using the ISO 13616 mod-97 check.
//
// Only the German template is supported:
//
//	BBAN = bank code (8 digits) + account number (10 digits)
//	IBAN = "DE" + check digits (2) + BBAN
package iban

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"unicode"
)

const (
	CountryDE = "DE"

	bankCodeLen      = 8
	accountNumberLen = 10
)

var (
	ErrUnsupportedCountry   = errors.New("iban: unsupported country")
	ErrInvalidBankCode      = errors.New("iban: bank code must be 8 digits")
	ErrInvalidAccountNumber = errors.New("iban: account number has no digits")

	accountNumberSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(accountNumberLen), nil)
)

// Result holds the three forms persisted for an account.
type Result struct {
	Country    string `json:"country"`
	Normalized string `json:"normalized"`
	Display    string `json:"display"`
}

// Generator mints IBANs for a single configured country and bank code.
type Generator struct {
	country  string
	bankCode string
	rand     io.Reader
}

// NewGenerator fails for any country other than DE or a bank code that is not
// exactly 8 ASCII digits. Callers are expected to treat that as a startup error.
func NewGenerator(country, bankCode string) (*Generator, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country != CountryDE {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCountry, country)
	}
	if !isDigits(bankCode) || len(bankCode) != bankCodeLen {
		return nil, ErrInvalidBankCode
	}
	return &Generator{
		country:  country,
		bankCode: bankCode,
		rand:     rand.Reader,
	}, nil
}

func (g *Generator) Country() string {
	return g.country
}

// Generate builds the IBAN for the given account number. Non-digit characters
// are stripped; the remainder is left-padded with zeros or cut to its
// rightmost 10 digits.
func (g *Generator) Generate(accountNumber string) (Result, error) {
	acct, err := coerceAccountNumber(accountNumber)
	if err != nil {
		return Result{}, err
	}
	bban := g.bankCode + acct
	normalized := g.country + checkDigits(g.country, bban) + bban
	return Result{
		Country:    g.country,
		Normalized: normalized,
		Display:    PrettyFormat(normalized),
	}, nil
}

// GenerateRandom draws a 10-digit account number from a cryptographically
// secure source. Uniqueness is not guaranteed; callers must detect duplicates
// on the normalized form and retry.
func (g *Generator) GenerateRandom() (Result, error) {
	n, err := rand.Int(g.rand, accountNumberSpace)
	if err != nil {
		return Result{}, fmt.Errorf("iban: draw account number: %w", err)
	}
	return g.Generate(fmt.Sprintf("%010d", n))
}

// Generate is a shortcut for a DE generator with the given bank code.
func Generate(bankCode, accountNumber string) (Result, error) {
	g, err := NewGenerator(CountryDE, bankCode)
	if err != nil {
		return Result{}, err
	}
	return g.Generate(accountNumber)
}

// Validate reports whether s passes the mod-97 check after normalization.
// It never panics on free-form input.
func Validate(s string) bool {
	n := Normalize(s)
	if len(n) < 5 {
		return false
	}
	for i := 0; i < len(n); i++ {
		c := n[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return mod97(n[4:]+n[:4]) == 1
}

// Normalize strips all whitespace and upper-cases s.
func Normalize(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}

// PrettyFormat groups the normalized form of s in blocks of four.
func PrettyFormat(s string) string {
	n := Normalize(s)
	var sb strings.Builder
	sb.Grow(len(n) + len(n)/4)
	for i, r := range []rune(n) {
		if i > 0 && i%4 == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func coerceAccountNumber(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return "", ErrInvalidAccountNumber
	}
	if len(digits) > accountNumberLen {
		return digits[len(digits)-accountNumberLen:], nil
	}
	return strings.Repeat("0", accountNumberLen-len(digits)) + digits, nil
}

func checkDigits(country, bban string) string {
	rem := mod97(bban + country + "00")
	return fmt.Sprintf("%02d", 98-rem)
}

// mod97 computes the remainder of the numeric re-encoding of s (A=10 .. Z=35)
// one digit group at a time. Characters outside [0-9A-Za-z] are skipped.
func mod97(s string) int {
	rem := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A') + 10) % 97
		case c >= 'a' && c <= 'z':
			rem = (rem*100 + int(c-'a') + 10) % 97
		}
	}
	return rem
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
