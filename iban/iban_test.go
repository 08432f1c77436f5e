package iban_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arhyth/ledgerx/iban"
)

const testBankCode = "50010517"

func TestNewGenerator(t *testing.T) {
	t.Run("accepts DE regardless of case", func(tt *testing.T) {
		as := assert.New(tt)
		g, err := iban.NewGenerator("de", testBankCode)
		as.Nil(err)
		as.Equal("DE", g.Country())
	})

	t.Run("rejects other countries", func(tt *testing.T) {
		as := assert.New(tt)
		g, err := iban.NewGenerator("FR", testBankCode)
		as.ErrorIs(err, iban.ErrUnsupportedCountry)
		as.Nil(g)
	})

	t.Run("rejects malformed bank codes", func(tt *testing.T) {
		as := assert.New(tt)
		for _, bc := range []string{"", "1234567", "123456789", "5001051A", "5001 517"} {
			_, err := iban.NewGenerator("DE", bc)
			as.ErrorIs(err, iban.ErrInvalidBankCode, bc)
		}
	})
}

func TestGenerate(t *testing.T) {
	t.Run("known vector", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		res, err := iban.Generate(testBankCode, "0000000001")
		reqrd.Nil(err)
		as.Equal("DE", res.Country)
		as.Equal("DE97500105170000000001", res.Normalized)
		as.Equal("DE97 5001 0517 0000 0000 01", res.Display)
		as.True(iban.Validate(res.Normalized))
		as.True(iban.Validate(res.Display))
	})

	t.Run("is deterministic", func(tt *testing.T) {
		as := assert.New(tt)
		a, err := iban.Generate(testBankCode, "1234567890")
		as.Nil(err)
		b, err := iban.Generate(testBankCode, "1234567890")
		as.Nil(err)
		as.Equal(a, b)
		as.Equal("DE70500105171234567890", a.Normalized)
	})

	t.Run("left pads short account numbers", func(tt *testing.T) {
		as := assert.New(tt)
		short, err := iban.Generate(testBankCode, "1")
		as.Nil(err)
		padded, err := iban.Generate(testBankCode, "0000000001")
		as.Nil(err)
		as.Equal(padded, short)
	})

	t.Run("keeps the rightmost 10 digits of long account numbers", func(tt *testing.T) {
		as := assert.New(tt)
		long, err := iban.Generate(testBankCode, "991234567890")
		as.Nil(err)
		as.True(strings.HasSuffix(long.Normalized, testBankCode+"1234567890"))
	})

	t.Run("strips non-digit characters", func(tt *testing.T) {
		as := assert.New(tt)
		res, err := iban.Generate(testBankCode, "12-34 56/78.90")
		as.Nil(err)
		as.Equal("DE70500105171234567890", res.Normalized)
	})

	t.Run("rejects account numbers without digits", func(tt *testing.T) {
		as := assert.New(tt)
		_, err := iban.Generate(testBankCode, "abc")
		as.ErrorIs(err, iban.ErrInvalidAccountNumber)
	})

	t.Run("round trips across account numbers", func(tt *testing.T) {
		as := assert.New(tt)
		g, err := iban.NewGenerator("DE", testBankCode)
		require.New(tt).Nil(err)
		for _, acct := range []string{"0", "9999999999", "0532013000", "4242424242", "1000000000", "0000000097"} {
			res, err := g.Generate(acct)
			as.Nil(err)
			as.Len(res.Normalized, 22)
			as.True(iban.Validate(res.Normalized), res.Normalized)
		}
	})
}

func TestGenerateRandom(t *testing.T) {
	as := assert.New(t)
	reqrd := require.New(t)
	g, err := iban.NewGenerator("DE", testBankCode)
	reqrd.Nil(err)

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		res, err := g.GenerateRandom()
		reqrd.Nil(err)
		as.True(strings.HasPrefix(res.Normalized, "DE"))
		as.Len(res.Normalized, 22)
		as.True(iban.Validate(res.Normalized), res.Normalized)
		seen[res.Normalized] = struct{}{}
	}
	as.Greater(len(seen), 190)
}

func TestValidate(t *testing.T) {
	t.Run("accepts well-known IBANs in any case and spacing", func(tt *testing.T) {
		as := assert.New(tt)
		as.True(iban.Validate("DE89370400440532013000"))
		as.True(iban.Validate("de89 3704 0044 0532 0130 00"))
		as.True(iban.Validate("GB82 WEST 1234 5698 7654 32"))
		as.True(iban.Validate("\tDE89\n370400440532013000 "))
	})

	t.Run("rejects malformed input without panicking", func(tt *testing.T) {
		as := assert.New(tt)
		for _, s := range []string{"", " ", "DE8", "DE89", "DE89-3704-0044-0532-0130-00", "DE89370400440532013001", "ÄÖÜ12345", "DE89370400440532013000€"} {
			as.False(iban.Validate(s), s)
		}
	})

	t.Run("detects any single wrong digit", func(tt *testing.T) {
		as := assert.New(tt)
		valid := "DE97500105170000000001"
		for i := 2; i < len(valid); i++ {
			for d := byte('0'); d <= '9'; d++ {
				if valid[i] == d {
					continue
				}
				mutated := []byte(valid)
				mutated[i] = d
				as.False(iban.Validate(string(mutated)), string(mutated))
			}
		}
	})

	t.Run("detects a wrong country letter", func(tt *testing.T) {
		as := assert.New(tt)
		valid := "DE97500105170000000001"
		for c := byte('A'); c <= 'Z'; c++ {
			for _, i := range []int{0, 1} {
				if valid[i] == c {
					continue
				}
				mutated := []byte(valid)
				mutated[i] = c
				as.False(iban.Validate(string(mutated)), string(mutated))
			}
		}
	})
}

func TestFormatting(t *testing.T) {
	as := assert.New(t)
	as.Equal("DE89370400440532013000", iban.Normalize(" de89 3704\t0044 0532 0130 00 "))
	as.Equal("DE89 3704 0044 0532 0130 00", iban.PrettyFormat("de89370400440532013000"))
	as.Equal("ABC", iban.PrettyFormat("abc"))
	as.Equal("", iban.PrettyFormat(""))
	as.Equal("ABCD EFGH", iban.PrettyFormat("ab cd ef gh"))
}

func TestForUUID(t *testing.T) {
	as := assert.New(t)
	reqrd := require.New(t)
	g, err := iban.NewGenerator("DE", testBankCode)
	reqrd.Nil(err)

	id := uuid.MustParse("6f1c2a34-9b8d-4e21-8a7b-0123456789ab")
	a, err := g.ForUUID(id)
	reqrd.Nil(err)
	b, err := g.ForUUID(id)
	reqrd.Nil(err)
	as.Equal(a, b)
	as.True(iban.Validate(a.Normalized))

	var edge uuid.UUID
	edge[8] = 0x80
	res, err := g.ForUUID(edge)
	reqrd.Nil(err)
	as.Equal("DE", res.Normalized[:2])
	as.True(strings.HasSuffix(res.Normalized, testBankCode+"0000000000"))
}
