package tokens

import (
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownDeployment(t *testing.T) {
	usdc, err := Lookup(" usdc ", 8453)
	require.NoError(t, err)
	require.True(t, usdc.Valid())
	require.Equal(t, "USDC", usdc.Symbol())
	require.Equal(t, int64(8453), usdc.ChainID())
	require.Equal(t, uint8(6), usdc.Decimals())
	require.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", usdc.Address().Hex())
	require.Equal(t, "USDC@8453", usdc.String())
}

func TestLookupRejectsNonStablecoins(t *testing.T) {
	_, err := Lookup("WETH", 1)
	require.ErrorIs(t, err, ErrUnknownStablecoin)

	_, err = Lookup("USDT", 8453)
	require.ErrorIs(t, err, ErrUnknownStablecoin)
}

func TestSelectHonoursPreferenceAndChain(t *testing.T) {
	coin, ok := Select([]string{"USDT", "DAI", "USDC"}, 8453)
	require.True(t, ok)
	require.Equal(t, "DAI", coin.Symbol())

	coin, ok = Select([]string{"USDT", "USDC"}, 42161)
	require.True(t, ok)
	require.Equal(t, "USDT", coin.Symbol())

	_, ok = Select([]string{"USDT"}, 8453)
	require.False(t, ok)

	_, ok = Select(nil, 1)
	require.False(t, ok)
}

func TestToBaseUnits(t *testing.T) {
	usdc, err := Lookup("USDC", 1)
	require.NoError(t, err)

	units, err := usdc.ToBaseUnits(376.470588235)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(376_470_588), units)

	dai, err := Lookup("DAI", 1)
	require.NoError(t, err)
	units, err = dai.ToBaseUnits(50)
	require.NoError(t, err)
	expected, _ := uint256.FromDecimal("50000000000000000000")
	require.Equal(t, expected, units)
	require.InDelta(t, 50.0, dai.FromBaseUnits(units), 1e-12)
}

func TestToBaseUnitsNeverRoundsUp(t *testing.T) {
	usdc, err := Lookup("USDC", 10)
	require.NoError(t, err)
	for _, usd := range []float64{0.0000019, 1.9999999, 12.3456789, 99999.9999999} {
		units, err := usdc.ToBaseUnits(usd)
		require.NoError(t, err)
		require.LessOrEqual(t, usdc.FromBaseUnits(units), usd)
	}
}

func TestToBaseUnitsRejectsInvalidAmounts(t *testing.T) {
	usdc, err := Lookup("USDC", 1)
	require.NoError(t, err)
	for _, usd := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := usdc.ToBaseUnits(usd)
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
	_, err = usdc.ToBaseUnits(0.0000001)
	require.ErrorIs(t, err, ErrAmountTooSmall)

	var zero Stablecoin
	_, err = zero.ToBaseUnits(10)
	require.ErrorIs(t, err, ErrUnknownStablecoin)
}

func TestChains(t *testing.T) {
	require.Equal(t, []int64{1, 10, 137, 8453, 42161}, Chains("usdc"))
	require.Empty(t, Chains("WETH"))
}
