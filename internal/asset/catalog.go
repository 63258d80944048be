package asset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind selects the conversion rule for an asset.
type Kind int

const (
	// Native is the chain's coin, priced against USD by the oracle.
	Native Kind = iota
	// Stable is a USD stablecoin, converted 1:1 with USD.
	Stable
)

func (k Kind) String() string {
	switch k {
	case Native:
		return "native"
	case Stable:
		return "stable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	NativeDecimals = 18
	StableDecimals = 6
)

// NativeAddress is the sentinel address the ledger uses for the native coin.
var NativeAddress = common.Address{}

var (
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrDuplicateAsset = errors.New("duplicate asset")
	ErrInvalidAsset   = errors.New("invalid asset definition")
)

// Asset describes one supported asset.
type Asset struct {
	Symbol   string
	Name     string
	Address  common.Address
	Decimals int32
	Kind     Kind
}

func (a Asset) IsNative() bool { return a.Kind == Native }

// Catalog is an immutable table of supported assets, addressable by symbol or ledger address.
type Catalog struct {
	order     []Asset
	bySymbol  map[string]Asset
	byAddress map[common.Address]Asset
}

// NewCatalog validates the definitions. Exactly one native asset is allowed and it
// must sit on the zero address; stablecoins need a non-zero contract address.
func NewCatalog(assets ...Asset) (*Catalog, error) {
	c := &Catalog{
		bySymbol:  make(map[string]Asset, len(assets)),
		byAddress: make(map[common.Address]Asset, len(assets)),
	}
	natives := 0
	for _, a := range assets {
		a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
		if a.Symbol == "" || a.Decimals < 0 {
			return nil, fmt.Errorf("%w: %+v", ErrInvalidAsset, a)
		}
		switch a.Kind {
		case Native:
			natives++
			if a.Address != NativeAddress {
				return nil, fmt.Errorf("%w: native %s must use the zero address", ErrInvalidAsset, a.Symbol)
			}
		case Stable:
			if a.Address == NativeAddress {
				return nil, fmt.Errorf("%w: stablecoin %s needs a contract address", ErrInvalidAsset, a.Symbol)
			}
		default:
			return nil, fmt.Errorf("%w: %s has kind %s", ErrInvalidAsset, a.Symbol, a.Kind)
		}
		if _, dup := c.bySymbol[a.Symbol]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, a.Symbol)
		}
		if _, dup := c.byAddress[a.Address]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, a.Address.Hex())
		}
		c.bySymbol[a.Symbol] = a
		c.byAddress[a.Address] = a
		c.order = append(c.order, a)
	}
	if natives > 1 {
		return nil, fmt.Errorf("%w: more than one native asset", ErrInvalidAsset)
	}
	return c, nil
}

// Default returns ETH plus USDC and USDT at the given token addresses.
func Default(usdc, usdt common.Address) (*Catalog, error) {
	return NewCatalog(
		Asset{Symbol: "ETH", Name: "Ether", Address: NativeAddress, Decimals: NativeDecimals, Kind: Native},
		Asset{Symbol: "USDC", Name: "USD Coin", Address: usdc, Decimals: StableDecimals, Kind: Stable},
		Asset{Symbol: "USDT", Name: "Tether USD", Address: usdt, Decimals: StableDecimals, Kind: Stable},
	)
}

// Lookup finds an asset by symbol, case-insensitively.
func (c *Catalog) Lookup(symbol string) (Asset, error) {
	a, ok := c.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %q", ErrUnknownAsset, symbol)
	}
	return a, nil
}

func (c *Catalog) ByAddress(addr common.Address) (Asset, error) {
	a, ok := c.byAddress[addr]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, addr.Hex())
	}
	return a, nil
}

// Symbols lists symbols in definition order.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.order))
	for _, a := range c.order {
		out = append(out, a.Symbol)
	}
	return out
}

func (c *Catalog) All() []Asset {
	return append([]Asset(nil), c.order...)
}
