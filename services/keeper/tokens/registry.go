// Package tokens holds the static registry of $1 stablecoins the keeper may
// spend. A Stablecoin can only be obtained from this registry, so any amount
// converted with the fixed $1 price is guaranteed to be denominated in one.
package tokens

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"rescuekeeper/services/keeper/policy"
)

var (
	// ErrUnknownStablecoin is returned for symbols outside the registry.
	ErrUnknownStablecoin = errors.New("tokens: unknown stablecoin")
	// ErrInvalidAmount rejects non-positive or non-finite USD amounts.
	ErrInvalidAmount = errors.New("tokens: invalid amount")
	// ErrAmountTooSmall is returned when an amount rounds down to zero units.
	ErrAmountTooSmall = errors.New("tokens: amount below one base unit")
)

type deployment struct {
	address  common.Address
	decimals uint8
}

var registry = map[string]map[int64]deployment{
	"USDC": {
		1:     {common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), 6},
		10:    {common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"), 6},
		137:   {common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"), 6},
		8453:  {common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), 6},
		42161: {common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"), 6},
	},
	"USDT": {
		1:     {common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), 6},
		10:    {common.HexToAddress("0x94b008aA00579c1307B0EF2c499aD98a8ce58e58"), 6},
		137:   {common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F"), 6},
		42161: {common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9"), 6},
	},
	"DAI": {
		1:     {common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), 18},
		10:    {common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"), 18},
		137:   {common.HexToAddress("0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063"), 18},
		8453:  {common.HexToAddress("0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb"), 18},
		42161: {common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"), 18},
	},
}

// Stablecoin is a registry-verified $1 token deployed on a specific chain.
// The zero value is invalid.
type Stablecoin struct {
	symbol   string
	chainID  int64
	address  common.Address
	decimals uint8
}

// Symbol returns the upper-case ticker.
func (s Stablecoin) Symbol() string { return s.symbol }

// ChainID returns the chain the deployment lives on.
func (s Stablecoin) ChainID() int64 { return s.chainID }

// Address returns the token contract address.
func (s Stablecoin) Address() common.Address { return s.address }

// Decimals returns the token's base-unit exponent.
func (s Stablecoin) Decimals() uint8 { return s.decimals }

// Valid reports whether the value came from the registry.
func (s Stablecoin) Valid() bool { return s.symbol != "" && s.chainID > 0 }

func (s Stablecoin) String() string {
	return fmt.Sprintf("%s@%d", s.symbol, s.chainID)
}

// Lookup returns the verified stablecoin deployment for symbol on chainID.
func Lookup(symbol string, chainID int64) (Stablecoin, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !policy.IsStablecoinSymbol(symbol) {
		return Stablecoin{}, fmt.Errorf("%w: %s", ErrUnknownStablecoin, symbol)
	}
	dep, ok := registry[symbol][chainID]
	if !ok {
		return Stablecoin{}, fmt.Errorf("%w: %s not deployed on chain %d", ErrUnknownStablecoin, symbol, chainID)
	}
	return Stablecoin{symbol: symbol, chainID: chainID, address: dep.address, decimals: dep.decimals}, nil
}

// Select returns the first symbol, in preference order, that is deployed on
// chainID.
func Select(symbols []string, chainID int64) (Stablecoin, bool) {
	for _, symbol := range symbols {
		if coin, err := Lookup(symbol, chainID); err == nil {
			return coin, true
		}
	}
	return Stablecoin{}, false
}

// ToBaseUnits converts a USD amount into token base units at the fixed $1
// price. Fractions below one base unit are truncated so the converted amount
// never exceeds the USD amount.
func (s Stablecoin) ToBaseUnits(amountUSD float64) (*uint256.Int, error) {
	if !s.Valid() {
		return nil, ErrUnknownStablecoin
	}
	if math.IsNaN(amountUSD) || math.IsInf(amountUSD, 0) || amountUSD <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, amountUSD)
	}
	units := decimal.NewFromFloat(amountUSD).Shift(int32(s.decimals)).Floor().BigInt()
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %v USD of %s", ErrAmountTooSmall, amountUSD, s.symbol)
	}
	out, overflow := uint256.FromBig(units)
	if overflow {
		return nil, fmt.Errorf("%w: %v overflows uint256", ErrInvalidAmount, amountUSD)
	}
	return out, nil
}

// FromBaseUnits converts base units back to USD at the fixed $1 price.
func (s Stablecoin) FromBaseUnits(units *uint256.Int) float64 {
	if units == nil {
		return 0
	}
	return decimal.NewFromBigInt(units.ToBig(), -int32(s.decimals)).InexactFloat64()
}

// Chains lists the chains on which symbol is deployed.
func Chains(symbol string) []int64 {
	deps := registry[strings.ToUpper(strings.TrimSpace(symbol))]
	out := make([]int64, 0, len(deps))
	for id := range deps {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
