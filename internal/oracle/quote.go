package oracle

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is an immutable snapshot of upstream prices. A new Quote replaces the old one
// wholesale on every successful fetch.
type Quote struct {
	// AssetUSD maps an upper-case asset symbol to its USD price.
	AssetUSD  map[string]decimal.Decimal
	USDJPY    decimal.Decimal
	FetchedAt time.Time
}

// USDPrice returns the USD price of symbol and whether it was quoted.
func (q Quote) USDPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := q.AssetUSD[strings.ToUpper(symbol)]
	return p, ok
}

func (q Quote) IsZero() bool { return q.FetchedAt.IsZero() }

// Age reports how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	if q.IsZero() {
		return 0
	}
	return now.Sub(q.FetchedAt)
}

// Stale reports whether the quote is older than threshold at now. A zero quote is always stale.
func (q Quote) Stale(now time.Time, threshold time.Duration) bool {
	if q.IsZero() {
		return true
	}
	return q.Age(now) > threshold
}
