package escrow

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	MinJPYAmount            = 1000
	JPYUnit                 = 1000
	DefaultDeadlineDuration = 30 * time.Minute
	MaxDeadlineDuration     = 24 * time.Hour
)

var (
	ErrInvalidJPYAmount   = errors.New("jpy amount must be at least 1000 and a multiple of 1000")
	ErrInvalidDeadline    = errors.New("invalid deadline duration")
	ErrInvalidAsset       = errors.New("invalid asset")
	ErrInvalidTaker       = errors.New("invalid taker")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrOnlyMaker          = errors.New("only the maker may do this")
	ErrInvalidOTC         = errors.New("invalid otc code")
	ErrDeadlineNotReached = errors.New("deadline not reached")
	ErrEscrowSettled      = errors.New("escrow already settled")
	ErrTransferFailed     = errors.New("asset transfer failed")
	// ErrInconsistent means a record broke a ledger invariant; it is frozen.
	ErrInconsistent = errors.New("escrow record inconsistent")
)

// ValidJPYAmount reports whether jpy is at least the minimum and a whole number of units.
func ValidJPYAmount(jpy int64) bool {
	return jpy >= MinJPYAmount && jpy%JPYUnit == 0
}

// Escrow is one hash-locked exchange. Only the ledger mutates it.
type Escrow struct {
	ID         uint64
	Maker      common.Address
	Taker      common.Address
	Asset      common.Address
	Amount     *big.Int
	JPYAmount  int64
	Deadline   time.Time
	HashOTC    common.Hash
	IsReleased bool
	IsRefunded bool
	CreatedAt  time.Time
}

func (e Escrow) clone() Escrow {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	return e
}

func (e Escrow) Settled() bool { return e.IsReleased || e.IsRefunded }

// Status is the lifecycle position of an escrow as seen at a point in time.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	// StatusExpired is an active escrow whose deadline has passed; the maker may refund.
	StatusExpired Status = "expired"
)

func (e Escrow) StatusAt(now time.Time) Status {
	switch {
	case e.IsReleased:
		return StatusReleased
	case e.IsRefunded:
		return StatusRefunded
	case !now.Before(e.Deadline):
		return StatusExpired
	default:
		return StatusActive
	}
}

// CreateRequest carries the maker's parameters for a new escrow.
type CreateRequest struct {
	Taker            common.Address
	Asset            common.Address
	JPYAmount        int64
	AssetAmount      *big.Int
	DeadlineDuration time.Duration
	OTCCode          string
	// Value is the native amount sent with the call; must be zero for tokens.
	Value *big.Int
}

// Constants are the ledger's fixed business limits.
type Constants struct {
	MinJPYAmount            int64
	MaxUSDCap               string
	DefaultDeadlineDuration time.Duration
	MaxDeadlineDuration     time.Duration
}
