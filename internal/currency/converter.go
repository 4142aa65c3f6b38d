package currency

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/savane-labs/backend-pay/internal/obs"
)

// Source identifies where a conversion rate was resolved from.
type Source string

const (
	// SourceIdentity marks a same-currency no-op conversion.
	SourceIdentity Source = "identity"
	// SourceAuthoritative marks a rate computed by the record store.
	SourceAuthoritative Source = "authoritative"
	// SourceCache marks a rate served from the local TTL cache.
	SourceCache Source = "cache"
	// SourceStatic marks a rate from the built-in corridor table.
	SourceStatic Source = "static"
	// SourceNone marks a failed resolution; the amount was not converted.
	SourceNone Source = "none"
)

// Result is the outcome of a conversion. When Unconverted is true the Amount
// equals the input and callers must refuse to proceed rather than mis-price.
type Result struct {
	Amount      decimal.Decimal
	From        string
	To          string
	Rate        decimal.Decimal
	Source      Source
	Unconverted bool
}

// RateSource is the authoritative remote conversion path. Implementations
// compute the rate server-side and record conversion provenance for audit.
type RateSource interface {
	AuthoritativeRate(ctx context.Context, from, to string, audit Audit) (Rate, error)
}

// Converter resolves conversion rates through a fallback chain:
// identity, authoritative store lookup, local cache, static corridor table.
// When every step fails the amount is returned unconverted and flagged.
type Converter struct {
	Source RateSource
	Cache  *Cache
	Static map[string]decimal.Decimal
	Logger zerolog.Logger
}

// staticCorridor covers only the pairs the platform's primary corridor
// requires; it is the fallback of last resort before failing closed.
func staticCorridor() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"XOF/USD": decimal.RequireFromString("0.00165"),
		"USD/XOF": decimal.RequireFromString("606.06"),
		"XOF/EUR": decimal.RequireFromString("0.00152"),
		"EUR/XOF": decimal.RequireFromString("655.957"),
		"USD/EUR": decimal.RequireFromString("0.92"),
		"EUR/USD": decimal.RequireFromString("1.087"),
	}
}

// NewConverter wires a converter with the default static corridor table.
func NewConverter(source RateSource, cache *Cache, logger zerolog.Logger) *Converter {
	return &Converter{
		Source: source,
		Cache:  cache,
		Static: staticCorridor(),
		Logger: logger,
	}
}

// Convert converts amount between currency codes, first success wins.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string, audit Audit) Result {
	return c.convert(ctx, amount, from, to, audit, false)
}

// ConvertAuthoritative converts using only the remote authoritative path,
// bypassing cache and static fallbacks. Used when a provider rejects a quote
// that may have been priced from a stale cached rate.
func (c *Converter) ConvertAuthoritative(ctx context.Context, amount decimal.Decimal, from, to string, audit Audit) Result {
	return c.convert(ctx, amount, from, to, audit, true)
}

func (c *Converter) convert(ctx context.Context, amount decimal.Decimal, from, to string, audit Audit, authoritativeOnly bool) Result {
	from = Normalize(from)
	to = Normalize(to)

	if from == to {
		return c.finish(Result{Amount: amount, From: from, To: to, Rate: decimal.NewFromInt(1), Source: SourceIdentity})
	}

	if c.Source != nil {
		rate, err := c.Source.AuthoritativeRate(ctx, from, to, audit)
		if err == nil && rate.Rate.IsPositive() {
			if c.Cache != nil {
				c.Cache.Put(rate)
			}
			return c.finish(applyRate(amount, from, to, rate.Rate, SourceAuthoritative))
		}
		if err != nil {
			c.Logger.Warn().Err(err).Str("from", from).Str("to", to).Msg("authoritative rate lookup failed")
		}
	}

	if !authoritativeOnly {
		if rate, ok := c.Cache.Get(from, to); ok && rate.Rate.IsPositive() {
			return c.finish(applyRate(amount, from, to, rate.Rate, SourceCache))
		}
		if rate, ok := c.staticRate(from, to); ok {
			return c.finish(applyRate(amount, from, to, rate, SourceStatic))
		}
	}

	c.Logger.Error().Str("from", from).Str("to", to).Msg("conversion unavailable, returning amount unconverted")
	return c.finish(Result{Amount: amount, From: from, To: to, Source: SourceNone, Unconverted: true})
}

func (c *Converter) staticRate(from, to string) (decimal.Decimal, bool) {
	if rate, ok := c.Static[from+"/"+to]; ok && rate.IsPositive() {
		return rate, true
	}
	if inverse, ok := c.Static[to+"/"+from]; ok && inverse.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inverse, 12), true
	}
	return decimal.Decimal{}, false
}

func (c *Converter) finish(res Result) Result {
	if obs.ConversionTotal != nil {
		result := "converted"
		if res.Unconverted {
			result = "unconverted"
		}
		obs.ConversionTotal.WithLabelValues(string(res.Source), result).Inc()
	}
	return res
}

func applyRate(amount decimal.Decimal, from, to string, rate decimal.Decimal, source Source) Result {
	return Result{
		Amount: Round(amount.Mul(rate), to),
		From:   from,
		To:     to,
		Rate:   rate,
		Source: source,
	}
}
