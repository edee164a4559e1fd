package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the counters emitted by a single espctl invocation. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	apiRequests     *prometheus.CounterVec
	carvePolls      *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	inventoryResult *prometheus.CounterVec
	cveFindings     prometheus.Counter
}

// NewMetrics registers the espctl counters on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esp_api_requests_total",
			Help: "ESP API requests by endpoint and HTTP status code.",
		}, []string{"endpoint", "code"}),
		carvePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esp_carve_polls_total",
			Help: "Carve status checks by outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "esp_carve_download_bytes_total",
			Help: "Bytes of carve archives downloaded.",
		}),
		inventoryResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esp_inventory_results_total",
			Help: "Inventory comparison results by status.",
		}, []string{"status"}),
		cveFindings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "esp_cve_findings_total",
			Help: "Vulnerable applications reported by the matcher.",
		}),
	}
	m.registry.MustRegister(m.apiRequests, m.carvePolls, m.downloadBytes, m.inventoryResult, m.cveFindings)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) APIRequest(endpoint string, code int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func (m *Metrics) CarvePoll(outcome string) {
	if m == nil {
		return
	}
	m.carvePolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CarveDownloaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

func (m *Metrics) InventoryResult(status string) {
	if m == nil {
		return
	}
	m.inventoryResult.WithLabelValues(status).Inc()
}

func (m *Metrics) CVEFinding() {
	if m == nil {
		return
	}
	m.cveFindings.Inc()
}

// Push sends the collected counters to a Prometheus pushgateway under the given job name.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("telemetry: push metrics: %w", err)
	}
	return nil
}
