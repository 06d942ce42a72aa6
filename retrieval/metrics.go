package retrieval

import (
	"sync"

	"github.com/mcalza96/cire-orchestrator/core"
)

// MetricsStore counts contract requests per endpoint. Counters only; gauges
// and latencies belong to the telemetry spans. The store mirrors every
// increment into the injected telemetry so dashboards see the same numbers.
type MetricsStore struct {
	mu        sync.Mutex
	requests  map[string]int64
	successes map[string]int64
	failures  map[string]int64
	fallbacks map[string]int64

	telemetry core.Telemetry
}

// NewMetricsStore creates an empty store.
func NewMetricsStore(telemetry core.Telemetry) *MetricsStore {
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &MetricsStore{
		requests:  make(map[string]int64),
		successes: make(map[string]int64),
		failures:  make(map[string]int64),
		fallbacks: make(map[string]int64),
		telemetry: telemetry,
	}
}

// RecordRequest counts an attempted contract call.
func (m *MetricsStore) RecordRequest(endpoint string) {
	m.bump(m.requests, "orch.retrieval.requests", endpoint)
}

// RecordSuccess counts a completed contract call.
func (m *MetricsStore) RecordSuccess(endpoint string) {
	m.bump(m.successes, "orch.retrieval.successes", endpoint)
}

// RecordFailure counts a failed contract call.
func (m *MetricsStore) RecordFailure(endpoint string) {
	m.bump(m.failures, "orch.retrieval.failures", endpoint)
}

// RecordFallbackRetry counts a retry against the alternate backend.
func (m *MetricsStore) RecordFallbackRetry(endpoint string) {
	m.bump(m.fallbacks, "orch.retrieval.fallback_retries", endpoint)
}

func (m *MetricsStore) bump(target map[string]int64, metric, endpoint string) {
	m.mu.Lock()
	target[endpoint]++
	m.mu.Unlock()
	m.telemetry.RecordMetric(metric, 1, map[string]string{"endpoint": endpoint})
}

// Snapshot returns copies of all counters keyed by endpoint.
func (m *MetricsStore) Snapshot() (requests, successes, failures, fallbacks map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCounts(m.requests), copyCounts(m.successes), copyCounts(m.failures), copyCounts(m.fallbacks)
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
