// Package metrics exposes the relay's Prometheus metrics.
// Upstream and pagination metrics are defined in their respective packages
// (client, pagination, ratelimit) and registered via promauto; this package
// owns the inbound HTTP metrics and the exposition handler.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_http_requests_total",
	Help: "Inbound relay requests by route and response status",
}, []string{"route", "status"})

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest counts one inbound request.
func ObserveHTTPRequest(route string, status int) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Metrics Documentation
//
// Upstream Request Metrics (pkg/client):
//   - crm_requests_total{status} (Counter): Page requests by HTTP status, "network_error" on transport failure
//   - crm_request_duration_seconds (Histogram): Page request duration
//   - crm_errors_total{class} (Counter): Errors by class (client, rate_limit, server, network, parse)
//
// Pagination Metrics (pkg/pagination):
//   - crm_pages_fetched_total{strategy} (Counter): Pages fetched successfully
//   - crm_pages_degraded_total (Counter): Pages dropped by the parallel strategy after a failure
//   - crm_fetch_duration_seconds{strategy} (Histogram): Duration of a complete listing fetch
//   - crm_fetches_total{strategy, result} (Counter): Listing fetches by result (ok, degraded, error)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - crm_rate_limit_remaining{window} (Gauge): Last observed budget ("burst" or "daily")
//   - crm_rate_limit_low_total (Counter): Responses observed below the low-budget threshold
//
// Relay Metrics (pkg/metrics):
//   - relay_http_requests_total{route, status} (Counter): Inbound requests
//
// Example Prometheus Queries:
//
//   # Degraded fetch ratio
//   sum(rate(crm_fetches_total{result="degraded"}[5m])) / sum(rate(crm_fetches_total[5m]))
//
//   # Upstream error rate by class
//   rate(crm_errors_total[5m])
//
//   # P95 full listing latency
//   histogram_quantile(0.95, rate(crm_fetch_duration_seconds_bucket[5m]))
//
//   # Keys close to their burst limit
//   crm_rate_limit_remaining{window="burst"} < 10
