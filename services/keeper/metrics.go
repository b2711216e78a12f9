package keeper

import "rescuekeeper/observability"

// Metrics exposes Prometheus collectors for keeper instrumentation.
type Metrics = observability.KeeperMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Keeper() }
