// Package aave reads lending positions from an Aave V3 pool.
package aave

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"rescuekeeper/services/keeper/health"
)

const poolABI = `[{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"getUserAccountData","outputs":[{"internalType":"uint256","name":"totalCollateralBase","type":"uint256"},{"internalType":"uint256","name":"totalDebtBase","type":"uint256"},{"internalType":"uint256","name":"availableBorrowsBase","type":"uint256"},{"internalType":"uint256","name":"currentLiquidationThreshold","type":"uint256"},{"internalType":"uint256","name":"ltv","type":"uint256"},{"internalType":"uint256","name":"healthFactor","type":"uint256"}],"stateMutability":"view","type":"function"}]`

const methodAccountData = "getUserAccountData"

var parsedPoolABI = mustParse(poolABI)

// ErrEmptyResponse is returned when the pool returns no data, typically
// because the address is not a contract on the connected chain.
var ErrEmptyResponse = errors.New("aave: empty call response")

// ContractCaller is the subset of the Ethereum RPC used by the reader.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader implements health.PositionReader over eth_call.
type Reader struct {
	caller ContractCaller
}

// NewReader constructs a Reader.
func NewReader(caller ContractCaller) *Reader {
	return &Reader{caller: caller}
}

// ReadAccount calls getUserAccountData on pool at the latest block.
func (r *Reader) ReadAccount(ctx context.Context, pool, user common.Address) (health.AccountData, error) {
	if r == nil || r.caller == nil {
		return health.AccountData{}, fmt.Errorf("aave reader not initialised")
	}
	if (pool == common.Address{}) {
		return health.AccountData{}, fmt.Errorf("pool address required")
	}
	data, err := parsedPoolABI.Pack(methodAccountData, user)
	if err != nil {
		return health.AccountData{}, fmt.Errorf("pack %s: %w", methodAccountData, err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return health.AccountData{}, fmt.Errorf("call %s: %w", methodAccountData, err)
	}
	if len(out) == 0 {
		return health.AccountData{}, ErrEmptyResponse
	}
	values, err := parsedPoolABI.Unpack(methodAccountData, out)
	if err != nil {
		return health.AccountData{}, fmt.Errorf("unpack %s: %w", methodAccountData, err)
	}
	if len(values) != 6 {
		return health.AccountData{}, fmt.Errorf("unpack %s: want 6 values, got %d", methodAccountData, len(values))
	}
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok || n == nil {
			return health.AccountData{}, fmt.Errorf("unpack %s: value %d has type %T", methodAccountData, i, v)
		}
		ints[i] = n
	}
	return health.AccountData{
		TotalCollateralBase:         ints[0],
		TotalDebtBase:               ints[1],
		CurrentLiquidationThreshold: ints[3],
		HealthFactor:                ints[5],
	}, nil
}

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("aave: parse abi: %v", err))
	}
	return parsed
}
