package currency

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Normalize uppercases and trims a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// cryptoCodes lists the crypto settlement currencies the platform quotes in.
var cryptoCodes = map[string]struct{}{
	"BTC":  {},
	"ETH":  {},
	"LTC":  {},
	"USDT": {},
	"USDC": {},
	"TRX":  {},
}

// zeroDecimalCodes lists fiat currencies with no minor unit.
var zeroDecimalCodes = map[string]struct{}{
	"XOF": {},
	"XAF": {},
	"JPY": {},
	"GNF": {},
}

// IsCrypto reports whether the code is a known crypto currency.
func IsCrypto(code string) bool {
	_, ok := cryptoCodes[Normalize(code)]
	return ok
}

// Exponent returns the number of decimal places amounts in the currency carry.
// Crypto amounts keep eight places, fiat two, except zero-decimal currencies.
func Exponent(code string) int32 {
	normalized := Normalize(code)
	if _, ok := cryptoCodes[normalized]; ok {
		return 8
	}
	if _, ok := zeroDecimalCodes[normalized]; ok {
		return 0
	}
	return 2
}

// Round rounds an amount to the currency's exponent.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(Exponent(code))
}

// Rate is one conversion rate observation for an ordered currency pair.
// Rows are append-only history; the most recently fetched row is current.
type Rate struct {
	From        string
	To          string
	Rate        decimal.Decimal
	InverseRate decimal.Decimal
	FetchedAt   time.Time
}

// Inverted returns the rate flipped to the opposite direction using the
// stored inverse, avoiding a division round trip.
func (r Rate) Inverted() Rate {
	return Rate{
		From:        r.To,
		To:          r.From,
		Rate:        r.InverseRate,
		InverseRate: r.Rate,
		FetchedAt:   r.FetchedAt,
	}
}

// Audit identifies who requested a conversion and why, recorded alongside
// every authoritative rate lookup.
type Audit struct {
	MerchantID  string
	OrgID       string
	Kind        string
	ReferenceID string
}
