// Package metrics 导入、切换、历史与缓存的 prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 所有方法对 nil 接收者安全（测试中可不传）
type Metrics struct {
	importBatches *prometheus.CounterVec
	importRecords *prometheus.CounterVec
	coerced       prometheus.Counter
	toggles       *prometheus.CounterVec
	historyFailed prometheus.Counter
	coverageCache *prometheus.CounterVec
	apiRequests   *prometheus.CounterVec
	apiLatency    *prometheus.HistogramVec
	changeEvents  *prometheus.CounterVec
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		importBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "import",
			Name:      "batches_total",
			Help:      "Import batches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		importRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "import",
			Name:      "records_total",
			Help:      "Imported records by kind and outcome.",
		}, []string{"kind", "outcome"}),
		coerced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "import",
			Name:      "coerced_starter_packs_total",
			Help:      "Truthy starter pack values on non-LABP rows forced to false.",
		}),
		toggles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "status",
			Name:      "toggles_total",
			Help:      "Status flag toggles by field and outcome.",
		}, []string{"field", "outcome"}),
		historyFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "history",
			Name:      "append_failures_total",
			Help:      "Status history appends that failed after a confirmed toggle.",
		}),
		coverageCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "coverage",
			Name:      "cache_requests_total",
			Help:      "Coverage summary cache lookups by result.",
		}, []string{"result"}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP API requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		apiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitecov",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "HTTP API latency by endpoint.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"endpoint"}),
		changeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecov",
			Subsystem: "notify",
			Name:      "change_events_total",
			Help:      "Change notifications received by table.",
		}, []string{"table"}),
	}
}

func (m *Metrics) ImportBatch(kind string, size int, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.importBatches.WithLabelValues(kind, outcome).Inc()
	m.importRecords.WithLabelValues(kind, outcome).Add(float64(size))
}

func (m *Metrics) CoercedStarterPacks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.coerced.Add(float64(n))
}

// Toggle outcome: success / error / rejected
func (m *Metrics) Toggle(field, outcome string) {
	if m == nil {
		return
	}
	m.toggles.WithLabelValues(field, outcome).Inc()
}

func (m *Metrics) HistoryFailure() {
	if m == nil {
		return
	}
	m.historyFailed.Inc()
}

func (m *Metrics) CoverageCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.coverageCache.WithLabelValues(result).Inc()
}

func (m *Metrics) APIRequest(endpoint, result string, seconds float64) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(endpoint, result).Inc()
	m.apiLatency.WithLabelValues(endpoint).Observe(seconds)
}

func (m *Metrics) ChangeEvent(table string) {
	if m == nil {
		return
	}
	m.changeEvents.WithLabelValues(table).Inc()
}
