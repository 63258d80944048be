package escrow

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Client is the ledger operation contract. Ledger implements it in process and
// EthClient implements it against the deployed Escrow contract. caller is the
// account the operation is performed as.
type Client interface {
	CreateEscrow(ctx context.Context, caller common.Address, req CreateRequest) (uint64, error)
	Release(ctx context.Context, caller common.Address, id uint64, otcCode string) error
	Refund(ctx context.Context, caller common.Address, id uint64) error
	GetEscrow(ctx context.Context, id uint64) (Escrow, error)
	IsRefundAvailable(ctx context.Context, id uint64) (bool, error)
	TimeUntilRefund(ctx context.Context, id uint64) (time.Duration, error)
	MakerEscrows(ctx context.Context, maker common.Address) ([]uint64, error)
}

// HealthChecker is implemented by clients with a remote dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
