package health

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type stubReader struct {
	data  AccountData
	err   error
	calls int
	block bool
}

func (s *stubReader) ReadAccount(ctx context.Context, pool, user common.Address) (AccountData, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return AccountData{}, ctx.Err()
	}
	return s.data, s.err
}

var (
	testPool = common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5")
	testUser = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func base(usd int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(usd), big.NewInt(100_000_000))
}

func wad(v float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(1e18))
	out, _ := f.Int(nil)
	return out
}

func TestNormalizeScalesFixedPoint(t *testing.T) {
	snap, err := Normalize(AccountData{
		TotalCollateralBase:         base(1000),
		TotalDebtBase:               base(900),
		CurrentLiquidationThreshold: big.NewInt(8500),
		HealthFactor:                wad(0.944444),
	})
	require.NoError(t, err)
	require.InDelta(t, 1000.0, snap.TotalCollateralUSD, 1e-9)
	require.InDelta(t, 900.0, snap.TotalDebtUSD, 1e-9)
	require.InDelta(t, 0.85, snap.LiquidationThreshold, 1e-12)
	require.InDelta(t, 0.944444, snap.HealthFactor, 1e-9)
}

func TestNormalizeNoDebtIsInfinite(t *testing.T) {
	snap, err := Normalize(AccountData{
		TotalCollateralBase:         base(1000),
		TotalDebtBase:               big.NewInt(0),
		CurrentLiquidationThreshold: big.NewInt(8250),
		HealthFactor:                maxUint256,
	})
	require.NoError(t, err)
	require.True(t, math.IsInf(snap.HealthFactor, 1))

	snap, err = Normalize(AccountData{
		TotalCollateralBase:         base(10),
		TotalDebtBase:               base(1),
		CurrentLiquidationThreshold: big.NewInt(8250),
		HealthFactor:                maxUint256,
	})
	require.NoError(t, err)
	require.True(t, math.IsInf(snap.HealthFactor, 1))
}

func TestNormalizeDerivesMissingHealthFactor(t *testing.T) {
	snap, err := Normalize(AccountData{
		TotalCollateralBase:         base(1000),
		TotalDebtBase:               base(900),
		CurrentLiquidationThreshold: big.NewInt(8500),
	})
	require.NoError(t, err)
	require.InDelta(t, 1000*0.85/900, snap.HealthFactor, 1e-9)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	_, err := Normalize(AccountData{})
	require.Error(t, err)
	_, err = Normalize(AccountData{
		TotalCollateralBase:         big.NewInt(-1),
		TotalDebtBase:               big.NewInt(0),
		CurrentLiquidationThreshold: big.NewInt(0),
	})
	require.Error(t, err)
}

func TestReadPositionUnavailableOnError(t *testing.T) {
	var buf bytes.Buffer
	reader := &stubReader{err: errors.New("rpc down")}
	m := NewMonitor(reader, WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	snap, ok := m.ReadPosition(context.Background(), testPool, testUser)
	require.False(t, ok)
	require.Equal(t, Snapshot{}, snap)
	require.Contains(t, buf.String(), "rpc down")
}

func TestReadPositionTimesOut(t *testing.T) {
	reader := &stubReader{block: true}
	m := NewMonitor(reader, WithTimeout(10*time.Millisecond), WithLogger(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))))
	_, ok := m.ReadPosition(context.Background(), testPool, testUser)
	require.False(t, ok)
	require.Equal(t, 1, reader.calls)
}

func TestReadPositionStampsSnapshot(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	reader := &stubReader{data: AccountData{
		TotalCollateralBase:         base(2000),
		TotalDebtBase:               base(1000),
		CurrentLiquidationThreshold: big.NewInt(8000),
		HealthFactor:                wad(1.6),
	}}
	m := NewMonitor(reader, WithClock(func() time.Time { return at }))
	snap, ok := m.ReadPosition(context.Background(), testPool, testUser)
	require.True(t, ok)
	require.Equal(t, at, snap.ReadAt)
	require.InDelta(t, 1.6, snap.SupplyPosition().HealthFactor, 1e-9)
}

func TestNilMonitorIsUnavailable(t *testing.T) {
	var m *Monitor
	_, ok := m.ReadPosition(context.Background(), testPool, testUser)
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	require.Equal(t, RiskCritical, Classify(0.9))
	require.Equal(t, RiskCritical, Classify(1.049))
	require.Equal(t, RiskWarning, Classify(1.05))
	require.Equal(t, RiskWarning, Classify(1.19))
	require.Equal(t, RiskHealthy, Classify(1.2))
	require.Equal(t, RiskHealthy, Classify(math.Inf(1)))
	require.Equal(t, "critical", RiskCritical.String())
}
