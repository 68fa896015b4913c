package opt

import "sync"

// Plan-metrics registry: the last solve metrics per tenant, plan date and
// strategy, kept in process for the admin endpoints.

type metricsKey struct {
	Tenant   string
	PlanDate string
	Strategy string
}

var (
	metricsMu sync.Mutex
	metricsBy = map[metricsKey]Metrics{}
)

func RecordMetrics(tenant, planDate, strategy string, m Metrics) {
	metricsMu.Lock()
	metricsBy[metricsKey{Tenant: tenant, PlanDate: planDate, Strategy: strategy}] = m
	metricsMu.Unlock()
}

// GetMetrics returns the recorded metrics for a tenant and date keyed by
// strategy.
func GetMetrics(tenant, planDate string) map[string]Metrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := map[string]Metrics{}
	for k, v := range metricsBy {
		if k.Tenant == tenant && k.PlanDate == planDate {
			out[k.Strategy] = v
		}
	}
	return out
}
