package policy

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Resolution labels which fallback path produced a policy.
type Resolution string

const (
	ResolutionDefault   Resolution = "default"
	ResolutionEmergency Resolution = "emergency_override"
	ResolutionParsed    Resolution = "parsed"
)

// Resolver turns raw key/value records into bounded policies.
type Resolver struct {
	// EmergencyOverride enables the default policy for users without records.
	// Intended for controlled test environments only.
	EmergencyOverride bool
	// DefaultChains is used when a record omits or invalidates the chain list.
	DefaultChains []int64
	Logger        *slog.Logger
}

// Resolve always returns a usable policy.
func (r Resolver) Resolve(raw map[string]string) RescuePolicy {
	p, _ := r.ResolveWithPath(raw)
	return p
}

// ResolveWithPath is Resolve plus the fallback path taken.
func (r Resolver) ResolveWithPath(raw map[string]string) (RescuePolicy, Resolution) {
	if isAbsent(raw) {
		if r.EmergencyOverride {
			return r.emergencyPolicy(), ResolutionEmergency
		}
		return r.defaultPolicy(), ResolutionDefault
	}
	return r.parsePolicy(raw), ResolutionParsed
}

// Default returns the static safe default. Rescue stays disabled.
func (r Resolver) Default() RescuePolicy {
	return r.defaultPolicy()
}

func (r Resolver) defaultPolicy() RescuePolicy {
	return RescuePolicy{
		Enabled:            false,
		MinHealthFactor:    DefaultMinHealthFactor,
		TargetHealthFactor: DefaultTargetHealthFactor,
		MaxAmountUSD:       DefaultMaxAmountUSD,
		CooldownSeconds:    DefaultCooldownSeconds,
		AllowedTokens:      DefaultTokens(),
		AllowedChains:      r.defaultChains(),
	}
}

func (r Resolver) emergencyPolicy() RescuePolicy {
	p := r.defaultPolicy()
	p.Enabled = true
	r.logger().Warn("EMERGENCY POLICY OVERRIDE: enabling default rescue policy for user without records",
		slog.String("component", "policy"),
		slog.Bool("override", true),
		slog.Bool("audit", true),
		slog.Float64("min_hf", p.MinHealthFactor),
		slog.Float64("target_hf", p.TargetHealthFactor),
		slog.Float64("max_amount_usd", p.MaxAmountUSD),
	)
	return p
}

func (r Resolver) parsePolicy(raw map[string]string) RescuePolicy {
	p := RescuePolicy{
		Enabled:            r.parseBool(raw, KeyEnabled),
		MinHealthFactor:    r.parseFloat(raw, KeyMinHF, DefaultMinHealthFactor, MinHealthFactorFloor, MinHealthFactorCeil),
		TargetHealthFactor: r.parseFloat(raw, KeyTargetHF, DefaultTargetHealthFactor, TargetHealthFactorMin, TargetHealthFactorMax),
		MaxAmountUSD:       r.parseFloat(raw, KeyMaxAmountUSD, DefaultMaxAmountUSD, MaxAmountUSDFloor, MaxAmountUSDCeil),
		CooldownSeconds:    r.parseInt(raw, KeyCooldownSeconds, DefaultCooldownSeconds, CooldownSecondsFloor, CooldownSecondsCeil),
		AllowedTokens:      r.parseTokens(raw),
		AllowedChains:      r.parseChains(raw),
	}
	if p.TargetHealthFactor <= p.MinHealthFactor {
		adjusted := clampFloat(p.MinHealthFactor+targetHealthFactorStep, TargetHealthFactorMin, TargetHealthFactorMax)
		r.logger().Warn("target health factor not above minimum, adjusting",
			slog.String("component", "policy"),
			slog.Float64("min_hf", p.MinHealthFactor),
			slog.Float64("target_hf", p.TargetHealthFactor),
			slog.Float64("adjusted_target_hf", adjusted),
		)
		p.TargetHealthFactor = adjusted
	}
	return p
}

func (r Resolver) parseBool(raw map[string]string, key string) bool {
	value := strings.ToLower(strings.TrimSpace(raw[key]))
	switch value {
	case "":
		return false
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		r.fieldWarning(key, value, "not a boolean, using false")
		return false
	}
}

func (r Resolver) parseFloat(raw map[string]string, key string, def, lo, hi float64) float64 {
	value := strings.TrimSpace(raw[key])
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if errors.Is(err, strconv.ErrRange) {
		// ±Inf on overflow, ±0 on underflow; both clamp.
		err = nil
	}
	if err != nil || math.IsNaN(parsed) {
		r.fieldWarning(key, value, "not numeric, using default")
		return def
	}
	clamped := clampFloat(parsed, lo, hi)
	if clamped != parsed {
		r.fieldWarning(key, value, "out of bounds, clamped")
	}
	return clamped
}

func (r Resolver) parseInt(raw map[string]string, key string, def, lo, hi int64) int64 {
	value := strings.TrimSpace(raw[key])
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// Accept "3600.0" style records.
		f, ferr := strconv.ParseFloat(value, 64)
		if errors.Is(ferr, strconv.ErrRange) {
			ferr = nil
		}
		if ferr != nil || math.IsNaN(f) {
			r.fieldWarning(key, value, "not numeric, using default")
			return def
		}
		if f < float64(lo) || f > float64(hi) {
			r.fieldWarning(key, value, "out of bounds, clamped")
			return int64(clampFloat(f, float64(lo), float64(hi)))
		}
		parsed = int64(f)
	}
	if parsed < lo {
		r.fieldWarning(key, value, "out of bounds, clamped")
		return lo
	}
	if parsed > hi {
		r.fieldWarning(key, value, "out of bounds, clamped")
		return hi
	}
	return parsed
}

func (r Resolver) parseTokens(raw map[string]string) []string {
	value := strings.TrimSpace(raw[KeyAllowedTokens])
	if value == "" {
		return DefaultTokens()
	}
	seen := make(map[string]struct{})
	tokens := make([]string, 0, 3)
	for _, entry := range splitList(value) {
		symbol := strings.ToUpper(entry)
		if !IsStablecoinSymbol(symbol) {
			r.fieldWarning(KeyAllowedTokens, entry, "not an allowed stablecoin, dropped")
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		tokens = append(tokens, symbol)
	}
	if len(tokens) == 0 {
		r.fieldWarning(KeyAllowedTokens, value, "no valid tokens, using defaults")
		return DefaultTokens()
	}
	return tokens
}

func (r Resolver) parseChains(raw map[string]string) []int64 {
	value := strings.TrimSpace(raw[KeyAllowedChains])
	if value == "" {
		return r.defaultChains()
	}
	seen := make(map[int64]struct{})
	chains := make([]int64, 0, 2)
	for _, entry := range splitList(value) {
		id, err := strconv.ParseInt(entry, 10, 64)
		if err != nil || id <= 0 {
			r.fieldWarning(KeyAllowedChains, entry, "invalid chain id, dropped")
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		chains = append(chains, id)
	}
	if len(chains) == 0 {
		r.fieldWarning(KeyAllowedChains, value, "no valid chains, using defaults")
		return r.defaultChains()
	}
	return chains
}

func (r Resolver) defaultChains() []int64 {
	out := make([]int64, 0, len(r.DefaultChains))
	for _, id := range r.DefaultChains {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (r Resolver) fieldWarning(key, value, msg string) {
	r.logger().Warn("policy field "+msg,
		slog.String("component", "policy"),
		slog.String("key", key),
		slog.String("value", value),
	)
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func isAbsent(raw map[string]string) bool {
	for _, value := range raw {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

func splitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsInf(v, 1) || v > hi {
		return hi
	}
	if math.IsInf(v, -1) || v < lo {
		return lo
	}
	return v
}
