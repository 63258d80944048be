package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"jpyescrow/internal/asset"
)

// Custody moves funds between holders and the escrow pool.
type Custody interface {
	// Deposit takes amount of a from the maker. For the native asset value must equal
	// amount; for tokens value must be zero and the allowance must cover amount.
	Deposit(ctx context.Context, a asset.Asset, from common.Address, amount, value *big.Int) error
	// Payout sends amount of a from the pool to a holder.
	Payout(ctx context.Context, a asset.Asset, to common.Address, amount *big.Int) error
}

// MemoryCustody keeps balances in memory. It backs the local ledger and tests.
type MemoryCustody struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	held       map[common.Address]*big.Int
}

func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		held:       make(map[common.Address]*big.Int),
	}
}

func entry(m map[common.Address]map[common.Address]*big.Int, a, holder common.Address) *big.Int {
	inner, ok := m[a]
	if !ok {
		inner = make(map[common.Address]*big.Int)
		m[a] = inner
	}
	v, ok := inner[holder]
	if !ok {
		v = new(big.Int)
		inner[holder] = v
	}
	return v
}

// Credit adds to a holder's balance of the asset at assetAddr.
func (m *MemoryCustody) Credit(assetAddr, holder common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := entry(m.balances, assetAddr, holder)
	b.Add(b, amount)
}

// Approve sets the escrow allowance granted by owner for token.
func (m *MemoryCustody) Approve(token, owner common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry(m.allowances, token, owner).Set(amount)
}

func (m *MemoryCustody) Balance(assetAddr, holder common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(entry(m.balances, assetAddr, holder))
}

// Held is the total escrowed for an asset.
func (m *MemoryCustody) Held(assetAddr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.held[assetAddr]; ok {
		return new(big.Int).Set(h)
	}
	return new(big.Int)
}

func (m *MemoryCustody) Deposit(_ context.Context, a asset.Asset, from common.Address, amount, value *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInsufficientFunds)
	}
	if value == nil {
		value = new(big.Int)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a.IsNative() {
		if value.Cmp(amount) != 0 {
			return fmt.Errorf("%w: sent %s, declared %s", ErrInsufficientFunds, value, amount)
		}
	} else {
		if value.Sign() != 0 {
			return fmt.Errorf("%w: native value sent with %s deposit", ErrInsufficientFunds, a.Symbol)
		}
		allowance := entry(m.allowances, a.Address, from)
		if allowance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: allowance %s below %s", ErrInsufficientFunds, allowance, amount)
		}
	}

	bal := entry(m.balances, a.Address, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s below %s", ErrInsufficientFunds, bal, amount)
	}
	bal.Sub(bal, amount)
	if !a.IsNative() {
		allowance := entry(m.allowances, a.Address, from)
		allowance.Sub(allowance, amount)
	}
	h, ok := m.held[a.Address]
	if !ok {
		h = new(big.Int)
		m.held[a.Address] = h
	}
	h.Add(h, amount)
	return nil
}

func (m *MemoryCustody) Payout(_ context.Context, a asset.Asset, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[a.Address]
	if !ok || h.Cmp(amount) < 0 {
		return fmt.Errorf("%w: pool holds less than %s %s", ErrTransferFailed, amount, a.Symbol)
	}
	h.Sub(h, amount)
	b := entry(m.balances, a.Address, to)
	b.Add(b, amount)
	return nil
}
