package escrow

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/asset"
	"jpyescrow/internal/clock"
)

var (
	usdcAddr = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	usdtAddr = common.HexToAddress("0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb")
	maker    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	taker    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	stranger = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	ledger  *Ledger
	custody *MemoryCustody
	clock   *clock.Manual
	sink    *recordingSink
}

func quietLogger() logrus.FieldLogger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return lg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := asset.Default(usdcAddr, usdtAddr)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	custody := NewMemoryCustody()
	custody.Credit(asset.NativeAddress, maker, big.NewInt(1e18))
	custody.Credit(usdcAddr, maker, big.NewInt(10_000_000_000))
	custody.Approve(usdcAddr, maker, big.NewInt(10_000_000_000))

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sink := &recordingSink{}
	l := NewLedger(cat, custody, WithLedgerClock(clk), WithSink(sink), WithLedgerLogger(quietLogger()))
	return &fixture{ledger: l, custody: custody, clock: clk, sink: sink}
}

func usdcRequest() CreateRequest {
	return CreateRequest{
		Taker:            taker,
		Asset:            usdcAddr,
		JPYAmount:        10_000,
		AssetAmount:      big.NewInt(66_666_666),
		DeadlineDuration: 30 * time.Minute,
		OTCCode:          "SECRET01",
	}
}

func (f *fixture) create(t *testing.T, req CreateRequest) uint64 {
	t.Helper()
	id, err := f.ledger.CreateEscrow(context.Background(), maker, req)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return id
}

func TestCreateEscrowStoresRecord(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, usdcRequest())
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}

	e, err := f.ledger.GetEscrow(context.Background(), id)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if e.Maker != maker || e.Taker != taker || e.Asset != usdcAddr {
		t.Fatalf("unexpected parties: %+v", e)
	}
	if e.Amount.Int64() != 66_666_666 || e.JPYAmount != 10_000 {
		t.Fatalf("unexpected amounts: %s %d", e.Amount, e.JPYAmount)
	}
	if want := f.clock.Now().Add(30 * time.Minute); !e.Deadline.Equal(want) {
		t.Fatalf("deadline %s, want %s", e.Deadline, want)
	}
	if e.HashOTC != HashOTC("SECRET01") {
		t.Fatalf("hash mismatch")
	}
	if e.Settled() {
		t.Fatalf("new escrow should be unsettled")
	}
	if got := f.custody.Held(usdcAddr).Int64(); got != 66_666_666 {
		t.Fatalf("held %d", got)
	}
	if got := f.custody.Balance(usdcAddr, maker).Int64(); got != 10_000_000_000-66_666_666 {
		t.Fatalf("maker balance %d", got)
	}

	ids, _ := f.ledger.MakerEscrows(context.Background(), maker)
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("maker escrows %v", ids)
	}
	if kinds := f.sink.kinds(); len(kinds) != 1 || kinds[0] != EventCreated {
		t.Fatalf("events %v", kinds)
	}
}

func TestCreateEscrowValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"below minimum", func(r *CreateRequest) { r.JPYAmount = 999 }, ErrInvalidJPYAmount},
		{"not a multiple", func(r *CreateRequest) { r.JPYAmount = 1500 }, ErrInvalidJPYAmount},
		{"zero yen", func(r *CreateRequest) { r.JPYAmount = 0 }, ErrInvalidJPYAmount},
		{"unknown asset", func(r *CreateRequest) { r.Asset = stranger }, ErrInvalidAsset},
		{"zero deadline", func(r *CreateRequest) { r.DeadlineDuration = 0 }, ErrInvalidDeadline},
		{"deadline too long", func(r *CreateRequest) { r.DeadlineDuration = 24*time.Hour + time.Second }, ErrInvalidDeadline},
		{"zero taker", func(r *CreateRequest) { r.Taker = common.Address{} }, ErrInvalidTaker},
		{"empty code", func(r *CreateRequest) { r.OTCCode = "" }, ErrInvalidOTC},
		{"zero amount", func(r *CreateRequest) { r.AssetAmount = big.NewInt(0) }, ErrInsufficientFunds},
		{"over allowance", func(r *CreateRequest) { r.AssetAmount = big.NewInt(20_000_000_000) }, ErrInsufficientFunds},
		{"native value on token", func(r *CreateRequest) { r.Value = big.NewInt(1) }, ErrInsufficientFunds},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := usdcRequest()
			tc.mutate(&req)
			_, err := f.ledger.CreateEscrow(context.Background(), maker, req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := f.custody.Held(usdcAddr).Sign(); got != 0 {
				t.Fatalf("funds moved on rejected create")
			}
			if len(f.sink.kinds()) != 0 {
				t.Fatalf("event emitted on rejected create")
			}
		})
	}
}

func TestCreateEscrowMaxDeadlineAccepted(t *testing.T) {
	f := newFixture(t)
	req := usdcRequest()
	req.DeadlineDuration = MaxDeadlineDuration
	f.create(t, req)
}

func TestCreateNativeEscrowRequiresMatchingValue(t *testing.T) {
	f := newFixture(t)
	req := usdcRequest()
	req.Asset = asset.NativeAddress
	req.AssetAmount = big.NewInt(22_222_222_222_222_222)
	req.Value = big.NewInt(1)

	if _, err := f.ledger.CreateEscrow(context.Background(), maker, req); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	req.Value = new(big.Int).Set(req.AssetAmount)
	f.create(t, req)
	if got := f.custody.Held(asset.NativeAddress); got.Cmp(req.AssetAmount) != 0 {
		t.Fatalf("held %s", got)
	}
}

func TestCreateEscrowCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.ledger.CreateEscrow(ctx, maker, usdcRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if f.custody.Held(usdcAddr).Sign() != 0 {
		t.Fatalf("cancelled create moved funds")
	}
}

func TestReleaseWithCorrectCode(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, usdcRequest())

	if err := f.ledger.Release(context.Background(), maker, id, "WRONG"); !errors.Is(err, ErrInvalidOTC) {
		t.Fatalf("expected invalid otc, got %v", err)
	}
	if err := f.ledger.Release(context.Background(), maker, id, "SECRET01"); err != nil {
		t.Fatalf("release: %v", err)
	}

	e, _ := f.ledger.GetEscrow(context.Background(), id)
	if !e.IsReleased || e.IsRefunded {
		t.Fatalf("unexpected flags: %+v", e)
	}
	if got := f.custody.Balance(usdcAddr, taker).Int64(); got != 66_666_666 {
		t.Fatalf("taker balance %d", got)
	}
	if f.custody.Held(usdcAddr).Sign() != 0 {
		t.Fatalf("pool should be empty")
	}

	if err := f.ledger.Release(context.Background(), maker, id, "SECRET01"); !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("second release: %v", err)
	}
	f.clock.Advance(time.Hour)
	if err := f.ledger.Refund(context.Background(), maker, id); !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("refund after release: %v", err)
	}
	if kinds := f.sink.kinds(); len(kinds) != 2 || kinds[1] != EventReleased {
		t.Fatalf("events %v", kinds)
	}
}

func TestOnlyMakerMayTransition(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, usdcRequest())

	if err := f.ledger.Release(context.Background(), taker, id, "SECRET01"); !errors.Is(err, ErrOnlyMaker) {
		t.Fatalf("taker release: %v", err)
	}
	if err := f.ledger.Release(context.Background(), stranger, id, "WRONG"); !errors.Is(err, ErrOnlyMaker) {
		t.Fatalf("stranger release with wrong code: %v", err)
	}
	f.clock.Advance(time.Hour)
	if err := f.ledger.Refund(context.Background(), stranger, id); !errors.Is(err, ErrOnlyMaker) {
		t.Fatalf("stranger refund: %v", err)
	}
}

func TestUnknownEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.ledger.Release(ctx, maker, 42, "x"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("release: %v", err)
	}
	if err := f.ledger.Refund(ctx, maker, 42); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("refund: %v", err)
	}
	if _, err := f.ledger.GetEscrow(ctx, 42); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.ledger.IsRefundAvailable(ctx, 42); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("refund available: %v", err)
	}
}

func TestRefundAtDeadline(t *testing.T) {
	f := newFixture(t)
	req := usdcRequest()
	req.DeadlineDuration = 2 * time.Second
	id := f.create(t, req)
	ctx := context.Background()

	f.clock.Advance(time.Second)
	if err := f.ledger.Refund(ctx, maker, id); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("early refund: %v", err)
	}
	avail, _ := f.ledger.IsRefundAvailable(ctx, id)
	left, _ := f.ledger.TimeUntilRefund(ctx, id)
	if avail || left != time.Second {
		t.Fatalf("before deadline: available=%v left=%s", avail, left)
	}

	f.clock.Advance(time.Second)
	avail, _ = f.ledger.IsRefundAvailable(ctx, id)
	left, _ = f.ledger.TimeUntilRefund(ctx, id)
	if !avail || left != 0 {
		t.Fatalf("at deadline: available=%v left=%s", avail, left)
	}

	if err := f.ledger.Refund(ctx, maker, id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := f.custody.Balance(usdcAddr, maker).Int64(); got != 10_000_000_000 {
		t.Fatalf("maker not made whole: %d", got)
	}
	if err := f.ledger.Release(ctx, maker, id, "SECRET01"); !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("release after refund: %v", err)
	}
	avail, _ = f.ledger.IsRefundAvailable(ctx, id)
	if avail {
		t.Fatalf("refund should not be available after settlement")
	}
}

func TestReleaseStillAllowedAfterDeadline(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, usdcRequest())
	f.clock.Advance(2 * time.Hour)
	if err := f.ledger.Release(context.Background(), maker, id, "SECRET01"); err != nil {
		t.Fatalf("release after deadline: %v", err)
	}
}

func TestConcurrentReleaseAndRefundExactlyOneWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		id := f.create(t, usdcRequest())
		f.clock.Advance(time.Hour)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if f.ledger.Release(context.Background(), maker, id, "SECRET01") == nil {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if f.ledger.Refund(context.Background(), maker, id) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
		e, _ := f.ledger.GetEscrow(context.Background(), id)
		if e.IsReleased == e.IsRefunded {
			t.Fatalf("expected exactly one terminal flag: %+v", e)
		}
		if f.custody.Held(usdcAddr).Sign() != 0 {
			t.Fatalf("pool not drained exactly once")
		}
	}
}

func TestConcurrentCreateUniqueIDs(t *testing.T) {
	f := newFixture(t)
	const n = 50
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := usdcRequest()
			req.AssetAmount = big.NewInt(1_000_000)
			id, err := f.ledger.CreateEscrow(context.Background(), maker, req)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
	list, _ := f.ledger.MakerEscrows(context.Background(), maker)
	if len(list) != n {
		t.Fatalf("maker escrows %d", len(list))
	}
}

func TestInconsistentRecordIsFrozen(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, usdcRequest())

	rec, _ := f.ledger.lookup(id)
	rec.mu.Lock()
	rec.e.IsReleased = true
	rec.e.IsRefunded = true
	rec.mu.Unlock()

	if err := f.ledger.Release(context.Background(), maker, id, "SECRET01"); !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected inconsistent, got %v", err)
	}

	rec.mu.Lock()
	rec.e.IsRefunded = false
	rec.mu.Unlock()
	f.clock.Advance(time.Hour)
	if err := f.ledger.Refund(context.Background(), maker, id); !errors.Is(err, ErrInconsistent) {
		t.Fatalf("frozen record accepted refund: %v", err)
	}
}

type failingPayout struct {
	*MemoryCustody
	fail atomic.Bool
}

func (f *failingPayout) Payout(ctx context.Context, a asset.Asset, to common.Address, amount *big.Int) error {
	if f.fail.Load() {
		return ErrTransferFailed
	}
	return f.MemoryCustody.Payout(ctx, a, to, amount)
}

func TestPayoutFailureLeavesEscrowActive(t *testing.T) {
	cat, _ := asset.Default(usdcAddr, usdtAddr)
	custody := &failingPayout{MemoryCustody: NewMemoryCustody()}
	custody.Credit(usdcAddr, maker, big.NewInt(100_000_000))
	custody.Approve(usdcAddr, maker, big.NewInt(100_000_000))
	l := NewLedger(cat, custody, WithLedgerLogger(quietLogger()))

	id, err := l.CreateEscrow(context.Background(), maker, usdcRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	custody.fail.Store(true)
	if err := l.Release(context.Background(), maker, id, "SECRET01"); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	e, _ := l.GetEscrow(context.Background(), id)
	if e.Settled() {
		t.Fatalf("failed payout must not settle: %+v", e)
	}

	custody.fail.Store(false)
	if err := l.Release(context.Background(), maker, id, "SECRET01"); err != nil {
		t.Fatalf("retry release: %v", err)
	}
}

func TestGetEscrowReturnsCopy(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, usdcRequest())
	e, _ := f.ledger.GetEscrow(context.Background(), id)
	e.Amount.SetInt64(1)

	again, _ := f.ledger.GetEscrow(context.Background(), id)
	if again.Amount.Int64() != 66_666_666 {
		t.Fatalf("stored amount mutated through view: %s", again.Amount)
	}
}

func TestConstants(t *testing.T) {
	f := newFixture(t)
	c := f.ledger.Constants()
	if c.MinJPYAmount != 1000 || c.MaxUSDCap != "5000.00" {
		t.Fatalf("unexpected constants: %+v", c)
	}
	if c.DefaultDeadlineDuration != 30*time.Minute || c.MaxDeadlineDuration != 24*time.Hour {
		t.Fatalf("unexpected durations: %+v", c)
	}
}
