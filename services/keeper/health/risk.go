package health

// RiskTier buckets a health factor for logs and dashboards. Rescue triggers
// use the user's own policy threshold, never the tier.
type RiskTier int

const (
	RiskHealthy RiskTier = iota
	RiskWarning
	RiskCritical
)

const (
	criticalBelow = 1.05
	warningBelow  = 1.2
)

func (t RiskTier) String() string {
	switch t {
	case RiskCritical:
		return "critical"
	case RiskWarning:
		return "warning"
	default:
		return "healthy"
	}
}

// Classify maps a health factor to its risk tier.
func Classify(healthFactor float64) RiskTier {
	switch {
	case healthFactor < criticalBelow:
		return RiskCritical
	case healthFactor < warningBelow:
		return RiskWarning
	default:
		return RiskHealthy
	}
}
