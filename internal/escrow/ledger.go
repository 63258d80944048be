package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/asset"
	"jpyescrow/internal/clock"
)

type record struct {
	mu     sync.Mutex
	e      Escrow
	frozen bool
}

// Ledger is the in-process escrow state machine. Transitions on one record are
// serialised by that record's mutex; different records proceed independently.
type Ledger struct {
	catalog     *asset.Catalog
	custody     Custody
	clock       clock.Clock
	sink        Sink
	log         logrus.FieldLogger
	maxDeadline time.Duration
	maxUSDCap   string

	lastID atomic.Uint64

	mu      sync.RWMutex
	records map[uint64]*record
	byMaker map[common.Address][]uint64
}

type LedgerOption func(*Ledger)

func WithSink(s Sink) LedgerOption               { return func(l *Ledger) { l.sink = s } }
func WithLedgerClock(c clock.Clock) LedgerOption { return func(l *Ledger) { l.clock = c } }
func WithLedgerLogger(lg logrus.FieldLogger) LedgerOption {
	return func(l *Ledger) { l.log = lg }
}

// WithMaxUSDCap only labels Constants(); the cap itself is enforced by the converter.
func WithMaxUSDCap(cap string) LedgerOption { return func(l *Ledger) { l.maxUSDCap = cap } }

func NewLedger(catalog *asset.Catalog, custody Custody, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		catalog:     catalog,
		custody:     custody,
		clock:       clock.System{},
		log:         logrus.StandardLogger(),
		maxDeadline: MaxDeadlineDuration,
		maxUSDCap:   "5000.00",
		records:     make(map[uint64]*record),
		byMaker:     make(map[common.Address][]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithField("component", "ledger")
	return l
}

func (l *Ledger) Constants() Constants {
	return Constants{
		MinJPYAmount:            MinJPYAmount,
		MaxUSDCap:               l.maxUSDCap,
		DefaultDeadlineDuration: DefaultDeadlineDuration,
		MaxDeadlineDuration:     l.maxDeadline,
	}
}

func (l *Ledger) CreateEscrow(ctx context.Context, caller common.Address, req CreateRequest) (uint64, error) {
	if !ValidJPYAmount(req.JPYAmount) {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidJPYAmount, req.JPYAmount)
	}
	a, err := l.catalog.ByAddress(req.Asset)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAsset, req.Asset.Hex())
	}
	if req.DeadlineDuration <= 0 || req.DeadlineDuration > l.maxDeadline {
		return 0, fmt.Errorf("%w: %s not in (0, %s]", ErrInvalidDeadline, req.DeadlineDuration, l.maxDeadline)
	}
	if req.Taker == (common.Address{}) {
		return 0, ErrInvalidTaker
	}
	if req.OTCCode == "" {
		return 0, fmt.Errorf("%w: empty code", ErrInvalidOTC)
	}
	if req.AssetAmount == nil || req.AssetAmount.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInsufficientFunds)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Funds move here; from this point on the creation is committed.
	if err := l.custody.Deposit(context.WithoutCancel(ctx), a, caller, req.AssetAmount, req.Value); err != nil {
		return 0, err
	}

	now := l.clock.Now()
	e := Escrow{
		ID:        l.lastID.Add(1),
		Maker:     caller,
		Taker:     req.Taker,
		Asset:     a.Address,
		Amount:    new(big.Int).Set(req.AssetAmount),
		JPYAmount: req.JPYAmount,
		Deadline:  now.Add(req.DeadlineDuration),
		HashOTC:   HashOTC(req.OTCCode),
		CreatedAt: now,
	}

	l.mu.Lock()
	l.records[e.ID] = &record{e: e}
	l.byMaker[caller] = append(l.byMaker[caller], e.ID)
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"escrow_id":  e.ID,
		"maker":      e.Maker.Hex(),
		"asset":      a.Symbol,
		"amount":     e.Amount.String(),
		"jpy_amount": e.JPYAmount,
		"deadline":   e.Deadline,
	}).Info("escrow created")

	l.emit(ctx, Event{
		Kind:      EventCreated,
		EscrowID:  e.ID,
		Maker:     e.Maker,
		Taker:     e.Taker,
		Asset:     e.Asset,
		Amount:    new(big.Int).Set(e.Amount),
		JPYAmount: e.JPYAmount,
		Deadline:  e.Deadline,
		At:        now,
	})
	return e.ID, nil
}

func (l *Ledger) Release(ctx context.Context, caller common.Address, id uint64, otcCode string) error {
	rec, err := l.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := l.checkIntegrity(rec); err != nil {
		return err
	}
	if caller != rec.e.Maker {
		return ErrOnlyMaker
	}
	if rec.e.Settled() {
		return fmt.Errorf("%w: escrow %d", ErrEscrowSettled, id)
	}
	if !VerifyOTC(rec.e.HashOTC, otcCode) {
		return ErrInvalidOTC
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := l.settle(ctx, rec, &rec.e.IsReleased, rec.e.Taker); err != nil {
		return err
	}
	l.log.WithField("escrow_id", id).Info("escrow released")
	l.emit(ctx, Event{Kind: EventReleased, EscrowID: id, Maker: rec.e.Maker, At: l.clock.Now()})
	return nil
}

func (l *Ledger) Refund(ctx context.Context, caller common.Address, id uint64) error {
	rec, err := l.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := l.checkIntegrity(rec); err != nil {
		return err
	}
	if caller != rec.e.Maker {
		return ErrOnlyMaker
	}
	now := l.clock.Now()
	if now.Before(rec.e.Deadline) {
		return fmt.Errorf("%w: %s remaining", ErrDeadlineNotReached, rec.e.Deadline.Sub(now))
	}
	if rec.e.Settled() {
		return fmt.Errorf("%w: escrow %d", ErrEscrowSettled, id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := l.settle(ctx, rec, &rec.e.IsRefunded, rec.e.Maker); err != nil {
		return err
	}
	l.log.WithField("escrow_id", id).Info("escrow refunded")
	l.emit(ctx, Event{Kind: EventRefunded, EscrowID: id, Maker: rec.e.Maker, At: l.clock.Now()})
	return nil
}

// settle sets the terminal flag before paying out and clears it again if the
// payout fails. The record lock is held throughout, so a competing transition
// only ever sees the final outcome.
func (l *Ledger) settle(ctx context.Context, rec *record, flag *bool, to common.Address) error {
	a, err := l.catalog.ByAddress(rec.e.Asset)
	if err != nil {
		rec.frozen = true
		return fmt.Errorf("%w: asset %s left the catalog", ErrInconsistent, rec.e.Asset.Hex())
	}
	*flag = true
	if err := l.custody.Payout(context.WithoutCancel(ctx), a, to, rec.e.Amount); err != nil {
		*flag = false
		l.log.WithError(err).WithField("escrow_id", rec.e.ID).Error("payout failed")
		return err
	}
	return nil
}

func (l *Ledger) checkIntegrity(rec *record) error {
	if rec.frozen {
		return fmt.Errorf("%w: escrow %d is frozen", ErrInconsistent, rec.e.ID)
	}
	if rec.e.IsReleased && rec.e.IsRefunded {
		rec.frozen = true
		l.log.WithField("escrow_id", rec.e.ID).Error("escrow both released and refunded, freezing record")
		return fmt.Errorf("%w: escrow %d both released and refunded", ErrInconsistent, rec.e.ID)
	}
	return nil
}

func (l *Ledger) lookup(id uint64) (*record, error) {
	l.mu.RLock()
	rec, ok := l.records[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEscrowNotFound, id)
	}
	return rec, nil
}

func (l *Ledger) snapshot(id uint64) (Escrow, error) {
	rec, err := l.lookup(id)
	if err != nil {
		return Escrow{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.e.clone(), nil
}

func (l *Ledger) GetEscrow(_ context.Context, id uint64) (Escrow, error) {
	return l.snapshot(id)
}

// IsRefundAvailable is true from the deadline (inclusive) while the escrow is unsettled.
func (l *Ledger) IsRefundAvailable(_ context.Context, id uint64) (bool, error) {
	e, err := l.snapshot(id)
	if err != nil {
		return false, err
	}
	return !e.Settled() && !l.clock.Now().Before(e.Deadline), nil
}

// TimeUntilRefund is zero once the deadline has passed or the escrow is settled.
func (l *Ledger) TimeUntilRefund(_ context.Context, id uint64) (time.Duration, error) {
	e, err := l.snapshot(id)
	if err != nil {
		return 0, err
	}
	if e.Settled() {
		return 0, nil
	}
	if left := e.Deadline.Sub(l.clock.Now()); left > 0 {
		return left, nil
	}
	return 0, nil
}

func (l *Ledger) MakerEscrows(_ context.Context, maker common.Address) ([]uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint64(nil), l.byMaker[maker]...), nil
}

func (l *Ledger) emit(ctx context.Context, ev Event) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Append(context.WithoutCancel(ctx), ev); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"escrow_id": ev.EscrowID,
			"event":     ev.Kind,
		}).Warn("event append failed")
	}
}
