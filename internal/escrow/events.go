package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type EventKind string

const (
	EventCreated  EventKind = "EscrowCreated"
	EventReleased EventKind = "EscrowReleased"
	EventRefunded EventKind = "EscrowRefunded"
)

// Event is an append-only record of a committed transition. Created events carry
// the full creation payload; Released and Refunded carry the id plus the maker
// for history lookups.
type Event struct {
	Kind      EventKind
	EscrowID  uint64
	Maker     common.Address
	Taker     common.Address
	Asset     common.Address
	Amount    *big.Int
	JPYAmount int64
	Deadline  time.Time
	At        time.Time
}

// Sink receives events after the transition has committed.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}
