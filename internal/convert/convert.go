package convert

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"jpyescrow/internal/asset"
	"jpyescrow/internal/escrow"
	"jpyescrow/internal/oracle"
)

const (
	DefaultStaleAfter   = 60 * time.Second
	usdDisplayPrecision = 2
)

// DefaultMaxUSDCap is the per-escrow USD exposure limit.
var DefaultMaxUSDCap = decimal.NewFromInt(5000)

var (
	// ErrInvalidJPYAmount aliases the ledger's error so callers match either one.
	ErrInvalidJPYAmount = escrow.ErrInvalidJPYAmount
	ErrUnsupportedAsset = errors.New("unsupported asset")
	ErrCapExceeded      = errors.New("usd equivalent exceeds cap")
	ErrStaleQuote       = errors.New("price quote is stale")
	ErrMissingPrice     = errors.New("quote has no usable price")
)

// Rounding decides how fractional base units are settled.
type Rounding int

const (
	// RoundDown truncates toward zero.
	RoundDown Rounding = iota
	// RoundUp takes the ceiling.
	RoundUp
)

func ParseRounding(s string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "down", "truncate":
		return RoundDown, nil
	case "up", "ceil":
		return RoundUp, nil
	default:
		return RoundDown, fmt.Errorf("unknown rounding mode %q", s)
	}
}

func (r Rounding) String() string {
	if r == RoundUp {
		return "up"
	}
	return "down"
}

// Converter is pure arithmetic over a Catalog; it performs no I/O.
type Converter struct {
	catalog    *asset.Catalog
	maxUSD     decimal.Decimal
	staleAfter time.Duration
	rounding   Rounding
}

type Option func(*Converter)

func WithMaxUSD(cap decimal.Decimal) Option { return func(c *Converter) { c.maxUSD = cap } }
func WithStaleAfter(d time.Duration) Option { return func(c *Converter) { c.staleAfter = d } }
func WithRounding(r Rounding) Option        { return func(c *Converter) { c.rounding = r } }

func New(catalog *asset.Catalog, opts ...Option) *Converter {
	c := &Converter{
		catalog:    catalog,
		maxUSD:     DefaultMaxUSDCap,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Converter) MaxUSD() decimal.Decimal   { return c.maxUSD }
func (c *Converter) StaleAfter() time.Duration { return c.staleAfter }
func (c *Converter) Rounding() Rounding        { return c.rounding }

func (c *Converter) lookup(symbol string) (asset.Asset, error) {
	a, err := c.catalog.Lookup(symbol)
	if err != nil {
		return asset.Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, symbol)
	}
	return a, nil
}

// AssetAmount converts a yen amount to base units of symbol.
//
//	native: jpy / usdJpy / assetUsd * 10^decimals
//	stable: jpy / usdJpy * 10^decimals
//
// The division happens once on the combined denominator, then the configured rounding applies.
func (c *Converter) AssetAmount(jpy int64, symbol string, q oracle.Quote) (*big.Int, error) {
	a, err := c.lookup(symbol)
	if err != nil {
		return nil, err
	}
	den, err := denominator(a, q)
	if err != nil {
		return nil, err
	}
	num := decimal.NewFromInt(jpy).Shift(a.Decimals)
	return c.round(num, den), nil
}

// USDEquivalent converts base units of symbol back to USD.
func (c *Converter) USDEquivalent(baseUnits *big.Int, symbol string, q oracle.Quote) (decimal.Decimal, error) {
	a, err := c.lookup(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	units := decimal.NewFromBigInt(baseUnits, -a.Decimals)
	switch a.Kind {
	case asset.Native:
		price, ok := q.USDPrice(a.Symbol)
		if !ok || !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s/USD", ErrMissingPrice, a.Symbol)
		}
		return units.Mul(price), nil
	case asset.Stable:
		return units, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedAsset, a.Symbol)
	}
}

// ValidateCap fails when usd is strictly above the cap.
func (c *Converter) ValidateCap(usd decimal.Decimal) error {
	if usd.GreaterThan(c.maxUSD) {
		return fmt.Errorf("%w: %s > %s", ErrCapExceeded, usd.StringFixed(usdDisplayPrecision), c.maxUSD.StringFixed(usdDisplayPrecision))
	}
	return nil
}

// Calculation is the result of the combined conversion contract.
type Calculation struct {
	Asset     asset.Asset
	JPYAmount int64
	BaseUnits *big.Int
	USD       decimal.Decimal
	Quote     oracle.Quote
}

// USDDisplay is the USD figure rounded to cents.
func (c Calculation) USDDisplay() string {
	return c.USD.StringFixed(usdDisplayPrecision)
}

// Calculate validates the yen amount, checks quote freshness at now, converts, and
// applies the cap. Any failure rejects the whole calculation.
func (c *Converter) Calculate(jpy int64, symbol string, q oracle.Quote, now time.Time) (Calculation, error) {
	if !escrow.ValidJPYAmount(jpy) {
		return Calculation{}, fmt.Errorf("%w: got %d", ErrInvalidJPYAmount, jpy)
	}
	a, err := c.lookup(symbol)
	if err != nil {
		return Calculation{}, err
	}
	if q.Stale(now, c.staleAfter) {
		return Calculation{}, fmt.Errorf("%w: age %s exceeds %s", ErrStaleQuote, q.Age(now).Round(time.Second), c.staleAfter)
	}
	units, err := c.AssetAmount(jpy, a.Symbol, q)
	if err != nil {
		return Calculation{}, err
	}
	if units.Sign() <= 0 {
		return Calculation{}, fmt.Errorf("%w: %d yen converts to zero %s", ErrInvalidJPYAmount, jpy, a.Symbol)
	}
	// The cap applies to the yen value before rounding: jpy <= cap * usdJpy.
	if decimal.NewFromInt(jpy).GreaterThan(c.maxUSD.Mul(q.USDJPY)) {
		exact := decimal.NewFromInt(jpy).DivRound(q.USDJPY, usdDisplayPrecision+6)
		return Calculation{}, fmt.Errorf("%w: %s > %s", ErrCapExceeded, exact.String(), c.maxUSD.StringFixed(usdDisplayPrecision))
	}
	usd, err := c.USDEquivalent(units, a.Symbol, q)
	if err != nil {
		return Calculation{}, err
	}
	if err := c.ValidateCap(usd); err != nil {
		return Calculation{}, err
	}
	return Calculation{Asset: a, JPYAmount: jpy, BaseUnits: units, USD: usd, Quote: q}, nil
}

func denominator(a asset.Asset, q oracle.Quote) (decimal.Decimal, error) {
	if !q.USDJPY.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: USD/JPY", ErrMissingPrice)
	}
	switch a.Kind {
	case asset.Native:
		price, ok := q.USDPrice(a.Symbol)
		if !ok || !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s/USD", ErrMissingPrice, a.Symbol)
		}
		return q.USDJPY.Mul(price), nil
	case asset.Stable:
		return q.USDJPY, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedAsset, a.Symbol)
	}
}

func (c *Converter) round(num, den decimal.Decimal) *big.Int {
	quo, rem := num.QuoRem(den, 0)
	if c.rounding == RoundUp && rem.Sign() > 0 {
		quo = quo.Add(decimal.NewFromInt(1))
	}
	return quo.BigInt()
}
