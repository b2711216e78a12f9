package keeper

import "fmt"

// SkipReason is the closed set of reasons a user may be skipped in a cycle.
type SkipReason int

const (
	SkipKeeperPaused SkipReason = iota + 1
	SkipPolicyUnavailable
	SkipRescueNotEnabled
	SkipPolicyInvalid
	SkipChainNotAllowed
	SkipPositionUnavailable
	SkipPositionHealthy
	SkipNoSupplyRequired
	SkipInsufficientCapForSafety
	SkipNoStablecoinAvailable
	SkipAmountConversionFailed
	SkipQuoteUnavailable
	SkipQuoteTargetInvalid
	SkipInternalError
)

var skipReasonNames = map[SkipReason]string{
	SkipKeeperPaused:             "keeper_paused",
	SkipPolicyUnavailable:        "policy_unavailable",
	SkipRescueNotEnabled:         "rescue_not_enabled",
	SkipPolicyInvalid:            "policy_invalid",
	SkipChainNotAllowed:          "chain_not_allowed",
	SkipPositionUnavailable:      "position_unavailable",
	SkipPositionHealthy:          "position_healthy",
	SkipNoSupplyRequired:         "no_supply_required",
	SkipInsufficientCapForSafety: "insufficient_cap_for_safety",
	SkipNoStablecoinAvailable:    "no_stablecoin_available",
	SkipAmountConversionFailed:   "amount_conversion_failed",
	SkipQuoteUnavailable:         "quote_unavailable",
	SkipQuoteTargetInvalid:       "quote_target_invalid",
	SkipInternalError:            "internal_error",
}

func (r SkipReason) String() string {
	if name, ok := skipReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("skip_reason(%d)", int(r))
}

// MarshalText renders the reason by name, so maps keyed by SkipReason encode
// as readable JSON objects.
func (r SkipReason) MarshalText() ([]byte, error) {
	if _, ok := skipReasonNames[r]; !ok {
		return nil, fmt.Errorf("keeper: unknown skip reason %d", int(r))
	}
	return []byte(r.String()), nil
}

// SkipReasons lists every reason in declaration order.
func SkipReasons() []SkipReason {
	out := make([]SkipReason, 0, len(skipReasonNames))
	for r := SkipKeeperPaused; r <= SkipInternalError; r++ {
		out = append(out, r)
	}
	return out
}

// Stage names a step of the per-user state machine.
type Stage string

const (
	StageReadPolicy       Stage = "read_policy"
	StageCheckConsent     Stage = "check_consent"
	StageValidatePolicy   Stage = "validate_policy"
	StageCheckChain       Stage = "check_chain_allowed"
	StageCheckCooldown    Stage = "check_cooldown"
	StageReadPosition     Stage = "read_position"
	StageCheckNeedsRescue Stage = "check_needs_rescue"
	StageComputeSupply    Stage = "compute_supply"
	StageCheckWillRestore Stage = "check_will_restore_health"
	StageSelectStablecoin Stage = "select_stablecoin"
	StageConvertUnits     Stage = "convert_to_token_units"
	StageGetQuote         Stage = "get_quote"
	StageValidateTarget   Stage = "validate_trusted_target"
	StageSubmit           Stage = "submit"
	StageRecord           Stage = "record"
)
