package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/asset"
	"jpyescrow/internal/clock"
	"jpyescrow/internal/convert"
	"jpyescrow/internal/escrow"
	"jpyescrow/internal/oracle"
)

var (
	usdcAddr = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	usdtAddr = common.HexToAddress("0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb")
	maker    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	taker    = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type stubQuotes struct {
	mu     sync.Mutex
	quote  oracle.Quote
	cached bool
	err    error
	calls  int
}

func (s *stubQuotes) FetchQuotes(_ context.Context, _ bool) (oracle.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		if s.cached {
			return s.quote, s.err
		}
		return oracle.Quote{}, s.err
	}
	return s.quote, nil
}

func (s *stubQuotes) CachedQuote() (oracle.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote, s.cached
}

type harness struct {
	svc     *Service
	ledger  *escrow.Ledger
	custody *escrow.MemoryCustody
	clock   *clock.Manual
	quotes  *stubQuotes
}

func quietLogger() logrus.FieldLogger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return lg
}

func quoteAt(at time.Time) oracle.Quote {
	return oracle.Quote{
		AssetUSD: map[string]decimal.Decimal{
			"ETH":  decimal.NewFromInt(3000),
			"USDC": decimal.NewFromInt(1),
			"USDT": decimal.NewFromInt(1),
		},
		USDJPY:    decimal.NewFromInt(150),
		FetchedAt: at,
	}
}

func newHarness(t *testing.T, wrapLedger func(escrow.Client) escrow.Client) *harness {
	t.Helper()
	cat, err := asset.Default(usdcAddr, usdtAddr)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	custody := escrow.NewMemoryCustody()
	custody.Credit(asset.NativeAddress, maker, new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)))
	custody.Credit(usdcAddr, maker, big.NewInt(10_000_000_000))
	custody.Approve(usdcAddr, maker, big.NewInt(10_000_000_000))

	ledger := escrow.NewLedger(cat, custody, escrow.WithLedgerClock(clk), escrow.WithLedgerLogger(quietLogger()))
	quotes := &stubQuotes{quote: quoteAt(clk.Now()), cached: true}

	var client escrow.Client = ledger
	if wrapLedger != nil {
		client = wrapLedger(ledger)
	}
	svc := NewService(client, convert.New(cat), quotes, cat, WithClock(clk), WithLogger(quietLogger()))
	return &harness{svc: svc, ledger: ledger, custody: custody, clock: clk, quotes: quotes}
}

func TestQuoteAndCreateNative(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.QuoteAndCreate(context.Background(), CreateInput{
		Maker: maker, Taker: taker, Asset: "eth", JPYAmount: 10_000, OTCCode: "ABCD1234",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := res.Calculation.USDDisplay(); got != "66.67" {
		t.Fatalf("usd %s", got)
	}
	if res.OTCCode != "" {
		t.Fatalf("caller-supplied code should not be echoed")
	}

	e, err := h.ledger.GetEscrow(context.Background(), res.EscrowID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Amount.String() != "22222222222222222" {
		t.Fatalf("amount %s", e.Amount)
	}
	if want := h.clock.Now().Add(escrow.DefaultDeadlineDuration); !e.Deadline.Equal(want) || !res.Deadline.Equal(want) {
		t.Fatalf("deadline %s, want default %s", e.Deadline, want)
	}
	if h.custody.Held(asset.NativeAddress).Cmp(e.Amount) != 0 {
		t.Fatalf("native value not escrowed")
	}
}

func TestQuoteAndCreateGeneratesCode(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.QuoteAndCreate(context.Background(), CreateInput{
		Maker: maker, Taker: taker, Asset: "USDC", JPYAmount: 15_000, DeadlineDuration: time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.OTCCode) != escrow.OTCCodeLength {
		t.Fatalf("expected generated code, got %q", res.OTCCode)
	}
	if err := h.svc.Release(context.Background(), maker, res.EscrowID, res.OTCCode); err != nil {
		t.Fatalf("release with generated code: %v", err)
	}
	if got := h.custody.Balance(usdcAddr, taker).Int64(); got != 100_000_000 {
		t.Fatalf("taker received %d", got)
	}
}

func TestQuoteAndCreateRejections(t *testing.T) {
	tests := []struct {
		name      string
		in        CreateInput
		setup     func(h *harness)
		reason    Reason
		retryable bool
	}{
		{
			name:   "cap exceeded",
			in:     CreateInput{Asset: "USDC", JPYAmount: 1_000_000},
			reason: ReasonCapExceeded,
		},
		{
			name:   "bad granularity",
			in:     CreateInput{Asset: "USDC", JPYAmount: 1_500},
			reason: ReasonInvalidJPYAmount,
		},
		{
			name:   "unsupported asset",
			in:     CreateInput{Asset: "DOGE", JPYAmount: 1_000},
			reason: ReasonUnsupportedAsset,
		},
		{
			name:   "deadline too long",
			in:     CreateInput{Asset: "USDC", JPYAmount: 1_000, DeadlineDuration: 25 * time.Hour},
			reason: ReasonInvalidDeadline,
		},
		{
			name:   "zero taker",
			in:     CreateInput{Asset: "USDC", JPYAmount: 1_000, Taker: common.Address{}},
			reason: ReasonInvalidTaker,
		},
		{
			name:      "stale quote",
			in:        CreateInput{Asset: "USDC", JPYAmount: 1_000},
			setup:     func(h *harness) { h.clock.Advance(2 * time.Minute) },
			reason:    ReasonStaleQuote,
			retryable: true,
		},
		{
			name: "rate limited without cache",
			in:   CreateInput{Asset: "USDC", JPYAmount: 1_000},
			setup: func(h *harness) {
				h.quotes.cached = false
				h.quotes.err = oracle.ErrRateLimited
			},
			reason:    ReasonRateLimited,
			retryable: true,
		},
		{
			name: "unavailable with stale cache",
			in:   CreateInput{Asset: "USDC", JPYAmount: 1_000},
			setup: func(h *harness) {
				h.quotes.err = fmt.Errorf("%w: boom", oracle.ErrPriceUnavailable)
				h.clock.Advance(5 * time.Minute)
			},
			reason:    ReasonPriceUnavailable,
			retryable: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tc.setup != nil {
				tc.setup(h)
			}
			tc.in.Maker = maker
			if tc.name != "zero taker" {
				tc.in.Taker = taker
			}
			_, err := h.svc.QuoteAndCreate(context.Background(), tc.in)
			var se *Error
			if !errors.As(err, &se) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if se.Reason != tc.reason || se.Op != "create" {
				t.Fatalf("expected %s, got %s (%v)", tc.reason, se.Reason, err)
			}
			if se.Retryable() != tc.retryable {
				t.Fatalf("retryable = %v", se.Retryable())
			}
			ids, _ := h.ledger.MakerEscrows(context.Background(), maker)
			if len(ids) != 0 {
				t.Fatalf("rejected create left escrows %v", ids)
			}
		})
	}
}

func TestQuoteAndCreateUsesFreshCacheWhenRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	h.quotes.err = oracle.ErrRateLimited
	h.clock.Advance(30 * time.Second)

	if _, err := h.svc.QuoteAndCreate(context.Background(), CreateInput{
		Maker: maker, Taker: taker, Asset: "USDC", JPYAmount: 1_000, OTCCode: "X",
	}); err != nil {
		t.Fatalf("create with cached quote: %v", err)
	}
}

func TestQuoteAndCreateCancelledBeforeCommit(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.QuoteAndCreate(ctx, CreateInput{
		Maker: maker, Taker: taker, Asset: "USDC", JPYAmount: 1_000, OTCCode: "X",
	})
	if ReasonOf(err) != ReasonCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if h.custody.Held(usdcAddr).Sign() != 0 {
		t.Fatalf("cancelled create moved funds")
	}
}

type blockingLedger struct {
	escrow.Client
	entered chan struct{}
	unblock chan struct{}
}

func (b *blockingLedger) Release(ctx context.Context, caller common.Address, id uint64, code string) error {
	b.entered <- struct{}{}
	<-b.unblock
	return b.Client.Release(ctx, caller, id, code)
}

func TestConcurrentMutationRejected(t *testing.T) {
	bl := &blockingLedger{entered: make(chan struct{}, 1), unblock: make(chan struct{})}
	h := newHarness(t, func(c escrow.Client) escrow.Client {
		bl.Client = c
		return bl
	})
	res, err := h.svc.QuoteAndCreate(context.Background(), CreateInput{
		Maker: maker, Taker: taker, Asset: "USDC", JPYAmount: 1_000, OTCCode: "CODE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- h.svc.Release(context.Background(), maker, res.EscrowID, "CODE") }()
	<-bl.entered

	if err := h.svc.Refund(context.Background(), maker, res.EscrowID); ReasonOf(err) != ReasonOperationInProgress {
		t.Fatalf("expected in progress, got %v", err)
	}
	if err := h.svc.Release(context.Background(), maker, res.EscrowID, "CODE"); ReasonOf(err) != ReasonOperationInProgress {
		t.Fatalf("expected in progress, got %v", err)
	}

	close(bl.unblock)
	if err := <-errc; err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := h.svc.Release(context.Background(), maker, res.EscrowID, "CODE"); ReasonOf(err) != ReasonEscrowSettled {
		t.Fatalf("expected settled after release, got %v", err)
	}
}

func TestReleaseAndRefundReasons(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.QuoteAndCreate(context.Background(), CreateInput{
		Maker: maker, Taker: taker, Asset: "USDC", JPYAmount: 1_000, OTCCode: "CODE", DeadlineDuration: time.Second,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	if err := h.svc.Release(ctx, taker, res.EscrowID, "CODE"); ReasonOf(err) != ReasonOnlyMaker {
		t.Fatalf("taker release: %v", err)
	}
	if err := h.svc.Release(ctx, maker, res.EscrowID, "NOPE"); ReasonOf(err) != ReasonInvalidOTC {
		t.Fatalf("wrong code: %v", err)
	}
	err = h.svc.Refund(ctx, maker, res.EscrowID)
	if ReasonOf(err) != ReasonDeadlineNotReached {
		t.Fatalf("early refund: %v", err)
	}
	var se *Error
	if !errors.As(err, &se) || !se.Retryable() || se.Op != "refund" {
		t.Fatalf("early refund should be retryable: %v", err)
	}
	if err := h.svc.Refund(ctx, maker, 999); ReasonOf(err) != ReasonEscrowNotFound {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.QuoteAndCreate(context.Background(), CreateInput{
		Maker: maker, Taker: taker, Asset: "USDC", JPYAmount: 1_000, OTCCode: "CODE", DeadlineDuration: time.Second,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	v, err := h.svc.Status(ctx, res.EscrowID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if v.Status != escrow.StatusActive || v.RefundAvailable || v.TimeUntilRefund != time.Second || v.AssetSymbol != "USDC" {
		t.Fatalf("unexpected view: %+v", v)
	}

	h.clock.Advance(2 * time.Second)
	v, _ = h.svc.Status(ctx, res.EscrowID)
	if v.Status != escrow.StatusExpired || !v.RefundAvailable || v.TimeUntilRefund != 0 {
		t.Fatalf("unexpected view after deadline: %+v", v)
	}

	if err := h.svc.Refund(ctx, maker, res.EscrowID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	v, _ = h.svc.Status(ctx, res.EscrowID)
	if v.Status != escrow.StatusRefunded || v.RefundAvailable {
		t.Fatalf("unexpected view after refund: %+v", v)
	}

	if _, err := h.svc.Status(ctx, 42); ReasonOf(err) != ReasonEscrowNotFound {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestPreviewAndConstants(t *testing.T) {
	h := newHarness(t, nil)
	calc, err := h.svc.Preview(context.Background(), 10_000, "USDC")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if calc.BaseUnits.Int64() != 66_666_666 {
		t.Fatalf("units %s", calc.BaseUnits)
	}
	if c := h.svc.Constants(); c.MaxUSDCap != "5000.00" || c.MinJPYAmount != 1000 {
		t.Fatalf("constants %+v", c)
	}
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", escrow.ErrInvalidOTC), ReasonInvalidOTC},
		{fmt.Errorf("x: %w", escrow.ErrInconsistent), ReasonInternal},
		{convert.ErrInvalidJPYAmount, ReasonInvalidJPYAmount},
		{oracle.ErrRateLimited, ReasonRateLimited},
		{context.DeadlineExceeded, ReasonCancelled},
		{errors.New("mystery"), ReasonInternal},
		{&Error{Op: "x", Reason: ReasonCapExceeded, Err: errors.New("y")}, ReasonCapExceeded},
	}
	for _, tc := range tests {
		if got := ReasonOf(tc.err); got != tc.want {
			t.Errorf("ReasonOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
