package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/asset"
	"jpyescrow/internal/clock"
	"jpyescrow/internal/convert"
	"jpyescrow/internal/escrow"
	"jpyescrow/internal/oracle"
)

// QuoteSource supplies price quotes. *oracle.Client implements it.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, force bool) (oracle.Quote, error)
	CachedQuote() (oracle.Quote, bool)
}

type refresher interface {
	Start(ctx context.Context)
	Stop()
}

// Service orchestrates quote, conversion and ledger calls on behalf of a caller.
type Service struct {
	ledger    escrow.Client
	converter *convert.Converter
	quotes    QuoteSource
	catalog   *asset.Catalog
	clock     clock.Clock
	log       logrus.FieldLogger

	inflight sync.Map
}

type Option func(*Service)

func WithClock(c clock.Clock) Option         { return func(s *Service) { s.clock = c } }
func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

func NewService(ledger escrow.Client, converter *convert.Converter, quotes QuoteSource, catalog *asset.Catalog, opts ...Option) *Service {
	s := &Service{
		ledger:    ledger,
		converter: converter,
		quotes:    quotes,
		catalog:   catalog,
		clock:     clock.System{},
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "settlement")
	return s
}

// Start begins background quote refresh when the source supports it.
func (s *Service) Start(ctx context.Context) {
	if r, ok := s.quotes.(refresher); ok {
		r.Start(ctx)
	}
}

// Close stops background quote refresh.
func (s *Service) Close() {
	if r, ok := s.quotes.(refresher); ok {
		r.Stop()
	}
}

// Ledger exposes the underlying ledger client for read-only views.
func (s *Service) Ledger() escrow.Client { return s.ledger }

func (s *Service) Catalog() *asset.Catalog { return s.catalog }

func (s *Service) Converter() *convert.Converter { return s.converter }

// acquire claims key for the duration of one mutating call.
func (s *Service) acquire(key string) (func(), error) {
	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, key)
	}
	return func() { s.inflight.Delete(key) }, nil
}

func escrowKey(id uint64) string { return "escrow:" + strconv.FormatUint(id, 10) }

// CreateInput is a maker's request to open an escrow for a yen amount.
type CreateInput struct {
	Maker     common.Address
	Taker     common.Address
	Asset     string
	JPYAmount int64
	// DeadlineDuration of zero selects escrow.DefaultDeadlineDuration.
	DeadlineDuration time.Duration
	// OTCCode of "" asks the service to generate one.
	OTCCode string
}

type CreateResult struct {
	EscrowID    uint64
	Calculation convert.Calculation
	Deadline    time.Time
	// OTCCode is set only when the service generated it.
	OTCCode string
}

// currentQuote asks the source for a quote, falling back to the cache when the
// source is throttled or failing. Staleness is judged by the converter.
func (s *Service) currentQuote(ctx context.Context) (oracle.Quote, error) {
	q, err := s.quotes.FetchQuotes(ctx, false)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, oracle.ErrRateLimited) && !errors.Is(err, oracle.ErrPriceUnavailable) {
		return oracle.Quote{}, err
	}
	if q.IsZero() {
		cached, ok := s.quotes.CachedQuote()
		if !ok {
			return oracle.Quote{}, err
		}
		q = cached
	}
	if q.Stale(s.clock.Now(), s.converter.StaleAfter()) {
		return oracle.Quote{}, err
	}
	s.log.WithError(err).Debug("using cached quote")
	return q, nil
}

// QuoteAndCreate prices the yen amount, checks the cap and opens the escrow.
func (s *Service) QuoteAndCreate(ctx context.Context, in CreateInput) (CreateResult, error) {
	const op = "create"

	release, err := s.acquire("create:" + in.Maker.Hex())
	if err != nil {
		return CreateResult{}, wrap(op, err)
	}
	defer release()

	if in.DeadlineDuration == 0 {
		in.DeadlineDuration = escrow.DefaultDeadlineDuration
	}
	var generated string
	if in.OTCCode == "" {
		if generated, err = escrow.GenerateOTCCode(); err != nil {
			return CreateResult{}, wrap(op, err)
		}
		in.OTCCode = generated
	}

	// Input checks that need no price come first so bad requests don't spend quota.
	if !escrow.ValidJPYAmount(in.JPYAmount) {
		return CreateResult{}, wrap(op, fmt.Errorf("%w: got %d", escrow.ErrInvalidJPYAmount, in.JPYAmount))
	}
	if _, err := s.catalog.Lookup(in.Asset); err != nil {
		return CreateResult{}, wrap(op, fmt.Errorf("%w: %s", convert.ErrUnsupportedAsset, in.Asset))
	}

	q, err := s.currentQuote(ctx)
	if err != nil {
		return CreateResult{}, wrap(op, err)
	}
	calc, err := s.converter.Calculate(in.JPYAmount, in.Asset, q, s.clock.Now())
	if err != nil {
		return CreateResult{}, wrap(op, err)
	}

	if err := ctx.Err(); err != nil {
		return CreateResult{}, wrap(op, err)
	}

	req := escrow.CreateRequest{
		Taker:            in.Taker,
		Asset:            calc.Asset.Address,
		JPYAmount:        in.JPYAmount,
		AssetAmount:      calc.BaseUnits,
		DeadlineDuration: in.DeadlineDuration,
		OTCCode:          in.OTCCode,
	}
	if calc.Asset.IsNative() {
		req.Value = new(big.Int).Set(calc.BaseUnits)
	}

	id, err := s.ledger.CreateEscrow(ctx, in.Maker, req)
	if err != nil {
		return CreateResult{}, wrap(op, err)
	}

	res := CreateResult{EscrowID: id, Calculation: calc, OTCCode: generated}
	if e, err := s.ledger.GetEscrow(context.WithoutCancel(ctx), id); err == nil {
		res.Deadline = e.Deadline
	} else {
		res.Deadline = s.clock.Now().Add(in.DeadlineDuration)
	}

	s.log.WithFields(logrus.Fields{
		"escrow_id": id,
		"maker":     in.Maker.Hex(),
		"asset":     calc.Asset.Symbol,
		"usd":       calc.USDDisplay(),
	}).Info("escrow opened")
	return res, nil
}

// Release hands the escrowed funds to the taker once the maker presents the code.
func (s *Service) Release(ctx context.Context, caller common.Address, id uint64, otcCode string) error {
	const op = "release"
	done, err := s.acquire(escrowKey(id))
	if err != nil {
		return wrap(op, err)
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return wrap(op, err)
	}
	return wrap(op, s.ledger.Release(ctx, caller, id, otcCode))
}

// Refund returns the funds to the maker after the deadline.
func (s *Service) Refund(ctx context.Context, caller common.Address, id uint64) error {
	const op = "refund"
	done, err := s.acquire(escrowKey(id))
	if err != nil {
		return wrap(op, err)
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return wrap(op, err)
	}
	return wrap(op, s.ledger.Refund(ctx, caller, id))
}

// StatusView is an escrow together with its derived state at the time of the call.
type StatusView struct {
	Escrow          escrow.Escrow
	AssetSymbol     string
	Status          escrow.Status
	RefundAvailable bool
	TimeUntilRefund time.Duration
}

func (s *Service) Status(ctx context.Context, id uint64) (StatusView, error) {
	const op = "status"
	e, err := s.ledger.GetEscrow(ctx, id)
	if err != nil {
		return StatusView{}, wrap(op, err)
	}
	avail, err := s.ledger.IsRefundAvailable(ctx, id)
	if err != nil {
		return StatusView{}, wrap(op, err)
	}
	left, err := s.ledger.TimeUntilRefund(ctx, id)
	if err != nil {
		return StatusView{}, wrap(op, err)
	}
	v := StatusView{
		Escrow:          e,
		Status:          e.StatusAt(s.clock.Now()),
		RefundAvailable: avail,
		TimeUntilRefund: left,
	}
	if a, err := s.catalog.ByAddress(e.Asset); err == nil {
		v.AssetSymbol = a.Symbol
	}
	return v, nil
}

// MakerEscrows lists the maker's escrow ids in creation order.
func (s *Service) MakerEscrows(ctx context.Context, maker common.Address) ([]uint64, error) {
	ids, err := s.ledger.MakerEscrows(ctx, maker)
	return ids, wrap("maker_escrows", err)
}

// Preview runs the conversion without creating anything.
func (s *Service) Preview(ctx context.Context, jpy int64, symbol string) (convert.Calculation, error) {
	const op = "preview"
	q, err := s.currentQuote(ctx)
	if err != nil {
		return convert.Calculation{}, wrap(op, err)
	}
	calc, err := s.converter.Calculate(jpy, symbol, q, s.clock.Now())
	return calc, wrap(op, err)
}

// Quote returns the cached quote, fetching first when force is set.
func (s *Service) Quote(ctx context.Context, force bool) (oracle.Quote, error) {
	if force {
		// A failed forced fetch still returns the cached quote alongside the error.
		q, err := s.quotes.FetchQuotes(ctx, true)
		return q, wrap("quote", err)
	}
	q, ok := s.quotes.CachedQuote()
	if !ok {
		return oracle.Quote{}, wrap("quote", oracle.ErrPriceUnavailable)
	}
	return q, nil
}

// Constants reports the business limits in force.
func (s *Service) Constants() escrow.Constants {
	return escrow.Constants{
		MinJPYAmount:            escrow.MinJPYAmount,
		MaxUSDCap:               s.converter.MaxUSD().StringFixed(2),
		DefaultDeadlineDuration: escrow.DefaultDeadlineDuration,
		MaxDeadlineDuration:     escrow.MaxDeadlineDuration,
	}
}

// QuoteAge is the age of the cached quote, or -1 with none.
func (s *Service) QuoteAge() float64 {
	q, ok := s.quotes.CachedQuote()
	if !ok {
		return -1
	}
	return q.Age(s.clock.Now()).Seconds()
}
