package policy

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Raw record keys as published in the user's name-service text records.
const (
	KeyEnabled         = "rescue.enabled"
	KeyMinHF           = "rescue.minHF"
	KeyTargetHF        = "rescue.targetHF"
	KeyMaxAmountUSD    = "rescue.maxAmountUSD"
	KeyCooldownSeconds = "rescue.cooldownSeconds"
	KeyAllowedTokens   = "rescue.allowedTokens"
	KeyAllowedChains   = "rescue.allowedChains"
)

// Bounds applied to every resolved policy.
const (
	MinHealthFactorFloor   = 1.0
	MinHealthFactorCeil    = 2.0
	TargetHealthFactorMin  = 1.1
	TargetHealthFactorMax  = 3.0
	MaxAmountUSDFloor      = 1.0
	MaxAmountUSDCeil       = 100_000.0
	CooldownSecondsFloor   = 60
	CooldownSecondsCeil    = 604_800
	targetHealthFactorStep = 0.3
)

// Field defaults used when a record is absent, empty or unparseable.
const (
	DefaultMinHealthFactor    = 1.2
	DefaultTargetHealthFactor = 1.5
	DefaultMaxAmountUSD       = 1000.0
	DefaultCooldownSeconds    = 3600
)

var stablecoinAllowList = map[string]struct{}{
	"USDC": {},
	"USDT": {},
	"DAI":  {},
}

var defaultTokens = []string{"USDC"}

// Keys returns every record key consulted during resolution.
func Keys() []string {
	return []string{
		KeyEnabled,
		KeyMinHF,
		KeyTargetHF,
		KeyMaxAmountUSD,
		KeyCooldownSeconds,
		KeyAllowedTokens,
		KeyAllowedChains,
	}
}

// IsStablecoinSymbol reports whether the symbol belongs to the $1 stablecoin allow-list.
func IsStablecoinSymbol(symbol string) bool {
	_, ok := stablecoinAllowList[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// DefaultTokens returns a copy of the fallback token set.
func DefaultTokens() []string {
	return append([]string(nil), defaultTokens...)
}

// RescuePolicy is the fully-resolved rescue authorisation for one user. Values
// are built once per cycle and must not be modified afterwards.
type RescuePolicy struct {
	Enabled            bool
	MinHealthFactor    float64
	TargetHealthFactor float64
	MaxAmountUSD       float64
	CooldownSeconds    int64
	AllowedTokens      []string
	AllowedChains      []int64
}

// Cooldown returns the minimum spacing between two rescues.
func (p RescuePolicy) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// AllowsToken reports whether the user authorised the token symbol.
func (p RescuePolicy) AllowsToken(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, token := range p.AllowedTokens {
		if token == symbol {
			return true
		}
	}
	return false
}

// AllowsChain reports whether the user authorised rescues on the chain.
func (p RescuePolicy) AllowsChain(chainID int64) bool {
	for _, id := range p.AllowedChains {
		if id == chainID {
			return true
		}
	}
	return false
}

// Validate lists the invariants a policy violates. An empty result means the
// policy can be acted on.
func Validate(p RescuePolicy) []string {
	var violations []string
	if !finite(p.MinHealthFactor) || p.MinHealthFactor < MinHealthFactorFloor || p.MinHealthFactor > MinHealthFactorCeil {
		violations = append(violations, fmt.Sprintf("min health factor %.4f outside [%.1f, %.1f]", p.MinHealthFactor, MinHealthFactorFloor, MinHealthFactorCeil))
	}
	if !finite(p.TargetHealthFactor) || p.TargetHealthFactor < TargetHealthFactorMin || p.TargetHealthFactor > TargetHealthFactorMax {
		violations = append(violations, fmt.Sprintf("target health factor %.4f outside [%.1f, %.1f]", p.TargetHealthFactor, TargetHealthFactorMin, TargetHealthFactorMax))
	}
	if p.TargetHealthFactor <= p.MinHealthFactor {
		violations = append(violations, fmt.Sprintf("target health factor %.4f must exceed min health factor %.4f", p.TargetHealthFactor, p.MinHealthFactor))
	}
	if !finite(p.MaxAmountUSD) || p.MaxAmountUSD < MaxAmountUSDFloor || p.MaxAmountUSD > MaxAmountUSDCeil {
		violations = append(violations, fmt.Sprintf("max amount %.2f USD outside [%.0f, %.0f]", p.MaxAmountUSD, MaxAmountUSDFloor, MaxAmountUSDCeil))
	}
	if p.CooldownSeconds < CooldownSecondsFloor || p.CooldownSeconds > CooldownSecondsCeil {
		violations = append(violations, fmt.Sprintf("cooldown %ds outside [%d, %d]", p.CooldownSeconds, CooldownSecondsFloor, CooldownSecondsCeil))
	}
	if len(p.AllowedTokens) == 0 {
		violations = append(violations, "no allowed tokens")
	}
	for _, token := range p.AllowedTokens {
		if !IsStablecoinSymbol(token) {
			violations = append(violations, fmt.Sprintf("token %q is not an allowed stablecoin", token))
		}
	}
	if len(p.AllowedChains) == 0 {
		violations = append(violations, "no allowed chains")
	}
	for _, id := range p.AllowedChains {
		if id <= 0 {
			violations = append(violations, fmt.Sprintf("chain id %d must be positive", id))
		}
	}
	return violations
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
