package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/clock"
)

var (
	// ErrRateLimited means the upstream asked us to back off; cached data is still returned.
	ErrRateLimited = errors.New("price oracle rate limited")
	// ErrPriceUnavailable means the fetch failed; cached data (if any) is retained.
	ErrPriceUnavailable = errors.New("price unavailable")
)

const (
	DefaultMinFetchInterval = 10 * time.Second
	DefaultCooldown         = 5 * time.Minute
	DefaultMaxCooldown      = time.Hour
	DefaultRefreshInterval  = 2 * time.Minute
	DefaultRequestTimeout   = 10 * time.Second

	apiKeyHeader = "X-CMC_PRO_API_KEY"
)

// Config controls the upstream endpoint and the request budget.
type Config struct {
	BaseURL string
	APIKey  string
	// Symbols are the assets priced against USD.
	Symbols []string
	// JPYProxy is the USD stablecoin whose JPY price stands in for USD/JPY.
	JPYProxy string

	MinFetchInterval time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	RefreshInterval  time.Duration
	RequestTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinFetchInterval <= 0 {
		c.MinFetchInterval = DefaultMinFetchInterval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = DefaultMaxCooldown
		if c.MaxCooldown < c.Cooldown {
			c.MaxCooldown = c.Cooldown
		}
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.JPYProxy == "" {
		c.JPYProxy = "USDC"
	}
}

// Client fetches quotes from a CoinMarketCap-style endpoint. Readers of the cache never
// block on a fetch: the quote is swapped in as a whole through an atomic pointer.
type Client struct {
	cfg        Config
	httpClient *http.Client
	clock      clock.Clock
	log        logrus.FieldLogger

	quote   atomic.Pointer[Quote]
	limiter *limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }
func WithClock(clk clock.Clock) Option     { return func(c *Client) { c.clock = clk } }
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("price api base url is required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	cfg.applyDefaults()
	if cfg.RefreshInterval <= cfg.MinFetchInterval {
		return nil, fmt.Errorf("refresh interval %s must exceed min fetch interval %s", cfg.RefreshInterval, cfg.MinFetchInterval)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		clock:      clock.System{},
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "oracle")
	c.limiter = newLimiter(cfg.MinFetchInterval, cfg.Cooldown, cfg.MaxCooldown)
	return c, nil
}

// CachedQuote returns the last good quote without blocking. ok is false before the first success.
func (c *Client) CachedQuote() (Quote, bool) {
	q := c.quote.Load()
	if q == nil {
		return Quote{}, false
	}
	return *q, true
}

// RateLimitState reports the limiter's current view.
func (c *Client) RateLimitState() (lastFetchAt time.Time, hits int, cooldownUntil time.Time) {
	s := c.limiter.snapshot()
	return s.lastFetchAt, s.rateLimitHits, s.cooldownUntil
}

// FetchQuotes returns fresh prices, or the cached quote when the request budget says
// not to call upstream. Throttling is not an error. On failure the cached quote is
// returned alongside ErrRateLimited or ErrPriceUnavailable.
func (c *Client) FetchQuotes(ctx context.Context, force bool) (Quote, error) {
	now := c.clock.Now()
	cached, hasCache := c.CachedQuote()

	switch c.limiter.acquire(now, force) {
	case throttled:
		if !hasCache {
			return Quote{}, fmt.Errorf("%w: throttled with no cached quote", ErrPriceUnavailable)
		}
		return cached, nil
	case coolingDown:
		if !hasCache {
			return Quote{}, fmt.Errorf("%w: cooling down with no cached quote", ErrRateLimited)
		}
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	q, err := c.fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			until := c.limiter.rateLimited(c.clock.Now())
			c.log.WithField("cooldown_until", until).Warn("upstream rate limit hit")
			return cached, err
		}
		c.log.WithError(err).Warn("quote fetch failed")
		return cached, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	q.FetchedAt = c.clock.Now()
	c.quote.Store(&q)
	c.limiter.succeeded(now)
	c.log.WithFields(logrus.Fields{
		"usd_jpy": q.USDJPY.String(),
		"assets":  len(q.AssetUSD),
	}).Debug("quotes refreshed")
	return q, nil
}

func (c *Client) fetch(ctx context.Context) (Quote, error) {
	q := Quote{AssetUSD: make(map[string]decimal.Decimal, len(c.cfg.Symbols))}
	for _, sym := range c.cfg.Symbols {
		price, err := c.price(ctx, sym, "USD")
		if err != nil {
			return Quote{}, err
		}
		q.AssetUSD[strings.ToUpper(sym)] = price
	}
	jpy, err := c.price(ctx, c.cfg.JPYProxy, "JPY")
	if err != nil {
		return Quote{}, err
	}
	q.USDJPY = jpy
	return q, nil
}

type quotesResponse struct {
	Data map[string]struct {
		Quote map[string]struct {
			Price decimal.Decimal `json:"price"`
		} `json:"quote"`
	} `json:"data"`
	Status struct {
		ErrorCode    int     `json:"error_code"`
		ErrorMessage *string `json:"error_message"`
	} `json:"status"`
}

func (c *Client) price(ctx context.Context, symbol, fiat string) (decimal.Decimal, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/quotes")
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse base url: %w", err)
	}
	qs := u.Query()
	qs.Set("symbol", symbol)
	qs.Set("convert", fiat)
	u.RawQuery = qs.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d for %s/%s", resp.StatusCode, symbol, fiat)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}
	var data quotesResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("decode quote: %w", err)
	}
	if data.Status.ErrorCode != 0 {
		msg := ""
		if data.Status.ErrorMessage != nil {
			msg = *data.Status.ErrorMessage
		}
		return decimal.Zero, fmt.Errorf("upstream error %d: %s", data.Status.ErrorCode, msg)
	}

	entry, ok := data.Data[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("price not found for %s", symbol)
	}
	p, ok := entry.Quote[fiat]
	if !ok || !p.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price not found for %s in %s", symbol, fiat)
	}
	return p.Price, nil
}

// Start performs a forced initial fetch and then refreshes on RefreshInterval until
// Stop is called or ctx ends. The refresher goes through the same limiter as
// per-request fetches, so it is throttled rather than blocked by them.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if _, err := c.FetchQuotes(ctx, true); err != nil {
		c.log.WithError(err).Warn("initial quote fetch failed")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.log.Info("quote refresh stopped")
				return
			case <-ticker.C:
				if _, err := c.FetchQuotes(ctx, false); err != nil {
					c.log.WithError(err).Warn("background quote refresh failed")
				}
			}
		}
	}()
}

// Stop cancels the background refresh and waits for it to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}
