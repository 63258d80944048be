package escrow

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/clock"
	"jpyescrow/internal/contracts"
)

const (
	defaultReceiptTimeout = 5 * time.Minute
	receiptPollInterval   = 2 * time.Second
)

// revertErrors maps contract custom errors onto the package sentinels.
var revertErrors = map[string]error{
	"InvalidJPYAmount":   ErrInvalidJPYAmount,
	"InvalidDeadline":    ErrInvalidDeadline,
	"InvalidAsset":       ErrInvalidAsset,
	"InsufficientFunds":  ErrInsufficientFunds,
	"EscrowNotFound":     ErrEscrowNotFound,
	"OnlyMaker":          ErrOnlyMaker,
	"InvalidOTC":         ErrInvalidOTC,
	"DeadlineNotReached": ErrDeadlineNotReached,
	"AlreadyReleased":    ErrEscrowSettled,
	"AlreadyRefunded":    ErrEscrowSettled,
}

// receiptReader is the part of the RPC client used to confirm transactions.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthClient drives the deployed Escrow contract. It signs with a single key, so
// it can only act for the maker that key controls.
//
// Once a transaction is broadcast the caller's context no longer applies: the
// receipt wait is bounded by receiptTimeout only, and a mined transition is
// always published.
type EthClient struct {
	client    *ethclient.Client
	receipts  receiptReader
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	from      common.Address
	transacts *bind.TransactOpts
	sink      Sink
	clock     clock.Clock
	log       logrus.FieldLogger

	receiptTimeout time.Duration
	pollInterval   time.Duration
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ContractEscrow string
	Sink           Sink
	Logger         logrus.FieldLogger
	// Clock stamps published events. Defaults to the system clock.
	Clock clock.Clock
	// ReceiptTimeout bounds the wait for a mined receipt. Defaults to 5m.
	ReceiptTimeout time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractEscrow) {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for escrow transactions")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}

	address := common.HexToAddress(cfg.ContractEscrow)
	return &EthClient{
		client:         cli,
		receipts:       cli,
		contract:       bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		abi:            parsedABI,
		address:        address,
		from:           txOpts.From,
		transacts:      txOpts,
		sink:           cfg.Sink,
		clock:          clk,
		log:            log.WithField("component", "eth_client"),
		receiptTimeout: timeout,
		pollInterval:   receiptPollInterval,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// From is the account this client signs as.
func (c *EthClient) From() common.Address { return c.from }

func (c *EthClient) opts(ctx context.Context, caller common.Address) (*bind.TransactOpts, error) {
	if caller != c.from {
		return nil, fmt.Errorf("%w: client signs as %s", ErrOnlyMaker, c.from.Hex())
	}
	opts := *c.transacts
	opts.Context = ctx
	return &opts, nil
}

func (c *EthClient) CreateEscrow(ctx context.Context, caller common.Address, req CreateRequest) (uint64, error) {
	opts, err := c.opts(ctx, caller)
	if err != nil {
		return 0, err
	}
	if req.AssetAmount == nil {
		return 0, fmt.Errorf("%w: amount required", ErrInsufficientFunds)
	}
	if req.Value != nil {
		opts.Value = req.Value
	}

	tx, err := c.contract.Transact(opts, "createEscrow",
		req.Taker,
		req.Asset,
		big.NewInt(req.JPYAmount),
		req.AssetAmount,
		big.NewInt(int64(req.DeadlineDuration/time.Second)),
		req.OTCCode,
	)
	if err != nil {
		return 0, c.mapRevert(fmt.Errorf("create escrow tx: %w", err))
	}

	receipt, err := c.confirm(ctx, tx)
	if err != nil {
		return 0, err
	}
	ev, ok := c.createdEvent(receipt)
	if !ok {
		return 0, fmt.Errorf("create escrow: no EscrowCreated log in %s", tx.Hash().Hex())
	}
	c.publish(ctx, ev)
	return ev.EscrowID, nil
}

// createdEvent reads the EscrowCreated log emitted by this contract.
func (c *EthClient) createdEvent(receipt *types.Receipt) (Event, bool) {
	created := c.abi.Events["EscrowCreated"]
	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) < 4 || lg.Topics[0] != created.ID {
			continue
		}
		ev := Event{
			Kind:     EventCreated,
			EscrowID: lg.Topics[1].Big().Uint64(),
			Maker:    common.BytesToAddress(lg.Topics[2].Bytes()),
			Taker:    common.BytesToAddress(lg.Topics[3].Bytes()),
			At:       c.clock.Now(),
		}
		values, err := c.abi.Unpack("EscrowCreated", lg.Data)
		if err == nil && len(values) == 4 {
			ev.Asset, _ = values[0].(common.Address)
			ev.Amount, _ = values[1].(*big.Int)
			if jpy, ok := values[2].(*big.Int); ok {
				ev.JPYAmount = jpy.Int64()
			}
			if dl, ok := values[3].(*big.Int); ok {
				ev.Deadline = time.Unix(dl.Int64(), 0)
			}
		}
		return ev, true
	}
	return Event{}, false
}

func (c *EthClient) Release(ctx context.Context, caller common.Address, id uint64, otcCode string) error {
	opts, err := c.opts(ctx, caller)
	if err != nil {
		return err
	}
	tx, err := c.contract.Transact(opts, "release", new(big.Int).SetUint64(id), otcCode)
	if err != nil {
		return c.mapRevert(fmt.Errorf("release tx: %w", err))
	}
	return c.settle(ctx, tx, Event{Kind: EventReleased, EscrowID: id, Maker: caller})
}

func (c *EthClient) Refund(ctx context.Context, caller common.Address, id uint64) error {
	opts, err := c.opts(ctx, caller)
	if err != nil {
		return err
	}
	tx, err := c.contract.Transact(opts, "refund", new(big.Int).SetUint64(id))
	if err != nil {
		return c.mapRevert(fmt.Errorf("refund tx: %w", err))
	}
	return c.settle(ctx, tx, Event{Kind: EventRefunded, EscrowID: id, Maker: caller})
}

// escrowTuple mirrors the getEscrow output struct.
type escrowTuple struct {
	Id         *big.Int
	Maker      common.Address
	Taker      common.Address
	Asset      common.Address
	Amount     *big.Int
	JpyAmount  *big.Int
	Deadline   *big.Int
	HashOTC    [32]byte
	IsReleased bool
	IsRefunded bool
	CreatedAt  *big.Int
}

func (c *EthClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, c.mapRevert(fmt.Errorf("%s call: %w", method, err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s call: empty result", method)
	}
	return out, nil
}

func (c *EthClient) GetEscrow(ctx context.Context, id uint64) (Escrow, error) {
	out, err := c.call(ctx, "getEscrow", new(big.Int).SetUint64(id))
	if err != nil {
		return Escrow{}, err
	}
	t := *abi.ConvertType(out[0], new(escrowTuple)).(*escrowTuple)
	if t.Maker == (common.Address{}) {
		return Escrow{}, fmt.Errorf("%w: %d", ErrEscrowNotFound, id)
	}
	return Escrow{
		ID:         t.Id.Uint64(),
		Maker:      t.Maker,
		Taker:      t.Taker,
		Asset:      t.Asset,
		Amount:     t.Amount,
		JPYAmount:  t.JpyAmount.Int64(),
		Deadline:   time.Unix(t.Deadline.Int64(), 0),
		HashOTC:    common.Hash(t.HashOTC),
		IsReleased: t.IsReleased,
		IsRefunded: t.IsRefunded,
		CreatedAt:  time.Unix(t.CreatedAt.Int64(), 0),
	}, nil
}

func (c *EthClient) IsRefundAvailable(ctx context.Context, id uint64) (bool, error) {
	out, err := c.call(ctx, "isRefundAvailable", new(big.Int).SetUint64(id))
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

func (c *EthClient) TimeUntilRefund(ctx context.Context, id uint64) (time.Duration, error) {
	out, err := c.call(ctx, "getTimeUntilRefund", new(big.Int).SetUint64(id))
	if err != nil {
		return 0, err
	}
	secs, _ := out[0].(*big.Int)
	if secs == nil {
		return 0, nil
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

func (c *EthClient) MakerEscrows(ctx context.Context, maker common.Address) ([]uint64, error) {
	out, err := c.call(ctx, "getMakerEscrows", maker)
	if err != nil {
		return nil, err
	}
	raw, _ := out[0].([]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

// settle confirms a broadcast release or refund and publishes ev once mined.
func (c *EthClient) settle(ctx context.Context, tx *types.Transaction, ev Event) error {
	if _, err := c.confirm(ctx, tx); err != nil {
		return err
	}
	ev.At = c.clock.Now()
	c.publish(ctx, ev)
	return nil
}

// confirm waits for tx to be mined. The wait ignores cancellation of ctx.
func (c *EthClient) confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.receiptTimeout)
	defer cancel()
	receipt, err := waitForReceipt(waitCtx, c.receipts, tx.Hash(), c.pollInterval)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *EthClient) publish(ctx context.Context, ev Event) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Append(context.WithoutCancel(ctx), ev); err != nil {
		c.log.WithError(err).WithField("escrow_id", ev.EscrowID).Warn("event append failed")
	}
}

// mapRevert attaches the matching sentinel to a contract revert, first by
// decoding the custom error selector and then by name in the message.
func (c *EthClient) mapRevert(err error) error {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil && len(raw) >= 4 {
				for name, abiErr := range c.abi.Errors {
					if bytes.Equal(abiErr.ID[:4], raw[:4]) {
						if sentinel, ok := revertErrors[name]; ok {
							return fmt.Errorf("%w: %v", sentinel, err)
						}
					}
				}
			}
		}
	}
	return matchRevertName(err)
}

func matchRevertName(err error) error {
	msg := err.Error()
	for name, sentinel := range revertErrors {
		if strings.Contains(msg, name) {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return err
}

// waitForReceipt polls every interval until the transaction is mined or ctx ends.
func waitForReceipt(ctx context.Context, client receiptReader, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
