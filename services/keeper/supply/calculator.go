// Package supply computes how much collateral a rescue must add to bring a
// lending position back to its target health factor.
package supply

import (
	"math"

	"rescuekeeper/services/keeper/policy"
)

// Reason explains a Decision.
type Reason int

const (
	ReasonNoDebt Reason = iota
	ReasonHealthy
	ReasonSupplyNeeded
	ReasonCappedByPolicy
	ReasonInsufficientCap
)

func (r Reason) String() string {
	switch r {
	case ReasonNoDebt:
		return "no_debt"
	case ReasonHealthy:
		return "healthy"
	case ReasonSupplyNeeded:
		return "supply_needed"
	case ReasonCappedByPolicy:
		return "capped_by_policy"
	case ReasonInsufficientCap:
		return "insufficient_cap"
	default:
		return "unknown"
	}
}

// Position is the calculator's view of a lending account. All values are in
// USD except LiquidationThreshold, which is a fraction such as 0.825.
type Position struct {
	HealthFactor         float64
	TotalCollateralUSD   float64
	TotalDebtUSD         float64
	LiquidationThreshold float64
}

// Decision is the outcome of ComputeRequiredSupply.
type Decision struct {
	AmountUSD            float64
	ExpectedHealthFactor float64
	WillRestoreHealth    bool
	Reason               Reason
}

// Executable reports whether the decision may be turned into a transaction.
// An insufficient_cap decision is never executable: repeating a top-up that
// cannot restore health would spend gas every cycle without fixing anything.
func (d Decision) Executable() bool {
	if !d.WillRestoreHealth || d.AmountUSD <= 0 {
		return false
	}
	return d.Reason == ReasonSupplyNeeded || d.Reason == ReasonCappedByPolicy
}

// ComputeRequiredSupply returns the collateral top-up needed to lift pos to the
// policy's target health factor, bounded by the policy's spending cap.
func ComputeRequiredSupply(pos Position, pol policy.RescuePolicy) Decision {
	if pos.TotalDebtUSD <= 0 {
		return Decision{ExpectedHealthFactor: math.Inf(1), WillRestoreHealth: true, Reason: ReasonNoDebt}
	}
	if pos.HealthFactor >= pol.MinHealthFactor {
		return Decision{ExpectedHealthFactor: pos.HealthFactor, WillRestoreHealth: true, Reason: ReasonHealthy}
	}
	required := pol.TargetHealthFactor*pos.TotalDebtUSD/pos.LiquidationThreshold - pos.TotalCollateralUSD
	if !(required > 0) {
		// Reached when the reported health factor lags collateral already
		// sufficient for the target. A zero threshold yields +Inf instead.
		return Decision{ExpectedHealthFactor: pos.HealthFactor, WillRestoreHealth: true, Reason: ReasonHealthy}
	}
	capped := math.Min(required, pol.MaxAmountUSD)
	expected := EstimateHealthFactorAfterSupply(pos, capped)
	if expected < pol.MinHealthFactor {
		return Decision{AmountUSD: capped, ExpectedHealthFactor: expected, WillRestoreHealth: false, Reason: ReasonInsufficientCap}
	}
	reason := ReasonSupplyNeeded
	if capped < required {
		reason = ReasonCappedByPolicy
	}
	return Decision{AmountUSD: capped, ExpectedHealthFactor: expected, WillRestoreHealth: true, Reason: reason}
}

// EstimateHealthFactorAfterSupply projects the health factor after adding
// amountUSD of collateral. Debt-free positions report +Inf.
func EstimateHealthFactorAfterSupply(pos Position, amountUSD float64) float64 {
	if pos.TotalDebtUSD <= 0 {
		return math.Inf(1)
	}
	return (pos.TotalCollateralUSD + amountUSD) * pos.LiquidationThreshold / pos.TotalDebtUSD
}
