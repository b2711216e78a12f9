package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"rescuekeeper/services/keeper/supply"
)

// Fixed-point scales used by Aave-style pools.
const (
	BaseCurrencyDecimals = 8
	ThresholdDecimals    = 4
	HealthFactorDecimals = 18
)

// ErrReaderNotConfigured is reported when the monitor has no reader.
var ErrReaderNotConfigured = errors.New("health: position reader not configured")

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// AccountData is the protocol-native account summary.
type AccountData struct {
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	CurrentLiquidationThreshold *big.Int
	HealthFactor                *big.Int
}

// PositionReader fetches raw account data for a user from a lending pool.
type PositionReader interface {
	ReadAccount(ctx context.Context, pool, user common.Address) (AccountData, error)
}

// Snapshot is a normalised, point-in-time view of a lending position. It must
// not be reused across cycles.
type Snapshot struct {
	HealthFactor         float64
	TotalCollateralUSD   float64
	TotalDebtUSD         float64
	LiquidationThreshold float64
	ReadAt               time.Time
}

// SupplyPosition adapts the snapshot for the supply calculator.
func (s Snapshot) SupplyPosition() supply.Position {
	return supply.Position{
		HealthFactor:         s.HealthFactor,
		TotalCollateralUSD:   s.TotalCollateralUSD,
		TotalDebtUSD:         s.TotalDebtUSD,
		LiquidationThreshold: s.LiquidationThreshold,
	}
}

// Monitor reads and normalises positions.
type Monitor struct {
	reader  PositionReader
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// MonitorOption customises a Monitor.
type MonitorOption func(*Monitor)

// WithTimeout bounds each read.
func WithTimeout(timeout time.Duration) MonitorOption {
	return func(m *Monitor) { m.timeout = timeout }
}

// WithLogger sets the logger used for read failures.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock sets the clock used to stamp snapshots.
func WithClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = clock }
}

// NewMonitor wraps reader.
func NewMonitor(reader PositionReader, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		reader:  reader,
		timeout: 15 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReadPosition returns the user's current position. ok is false when the
// position could not be read; callers must skip the user for this cycle.
func (m *Monitor) ReadPosition(ctx context.Context, pool, user common.Address) (snap Snapshot, ok bool) {
	if m == nil || m.reader == nil {
		slog.Default().Warn("position unavailable", slog.String("user", user.Hex()), slog.String("error", ErrReaderNotConfigured.Error()))
		return Snapshot{}, false
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	raw, err := m.reader.ReadAccount(ctx, pool, user)
	if err != nil {
		m.logger.Warn("position unavailable",
			slog.String("user", user.Hex()),
			slog.String("pool", pool.Hex()),
			slog.String("error", err.Error()),
		)
		return Snapshot{}, false
	}
	snap, err = Normalize(raw)
	if err != nil {
		m.logger.Warn("position data malformed",
			slog.String("user", user.Hex()),
			slog.String("pool", pool.Hex()),
			slog.String("error", err.Error()),
		)
		return Snapshot{}, false
	}
	snap.ReadAt = m.now()
	m.logger.Debug("position read",
		slog.String("user", user.Hex()),
		slog.Float64("health_factor", snap.HealthFactor),
		slog.Float64("collateral_usd", snap.TotalCollateralUSD),
		slog.Float64("debt_usd", snap.TotalDebtUSD),
		slog.String("risk", Classify(snap.HealthFactor).String()),
	)
	return snap, true
}

// Normalize converts protocol fixed-point values into decimal USD and ratios.
// The health factor is +Inf whenever the account carries no debt.
func Normalize(raw AccountData) (Snapshot, error) {
	if raw.TotalCollateralBase == nil || raw.TotalDebtBase == nil || raw.CurrentLiquidationThreshold == nil {
		return Snapshot{}, fmt.Errorf("missing account fields")
	}
	if raw.TotalCollateralBase.Sign() < 0 || raw.TotalDebtBase.Sign() < 0 || raw.CurrentLiquidationThreshold.Sign() < 0 {
		return Snapshot{}, fmt.Errorf("negative account fields")
	}
	snap := Snapshot{
		TotalCollateralUSD:   scaled(raw.TotalCollateralBase, BaseCurrencyDecimals),
		TotalDebtUSD:         scaled(raw.TotalDebtBase, BaseCurrencyDecimals),
		LiquidationThreshold: scaled(raw.CurrentLiquidationThreshold, ThresholdDecimals),
	}
	switch {
	case raw.TotalDebtBase.Sign() == 0:
		snap.HealthFactor = math.Inf(1)
	case raw.HealthFactor == nil:
		if snap.LiquidationThreshold <= 0 {
			return Snapshot{}, fmt.Errorf("health factor missing and liquidation threshold zero")
		}
		snap.HealthFactor = snap.TotalCollateralUSD * snap.LiquidationThreshold / snap.TotalDebtUSD
	case raw.HealthFactor.Cmp(maxUint256) >= 0:
		snap.HealthFactor = math.Inf(1)
	default:
		snap.HealthFactor = scaled(raw.HealthFactor, HealthFactorDecimals)
	}
	return snap, nil
}

func scaled(v *big.Int, decimals int32) float64 {
	return decimal.NewFromBigInt(v, -decimals).InexactFloat64()
}
