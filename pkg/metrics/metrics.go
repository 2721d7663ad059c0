package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patchverify/patchverify/pkg/types"
)

// Metrics holds the collectors for scans and the history API. A nil
// *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ScansTotal          *prometheus.CounterVec
	ScanDuration        prometheus.Histogram
	VerdictsTotal       *prometheus.CounterVec
	ProbesTotal         *prometheus.CounterVec
	DegradedTotal       prometheus.Counter
	RiskScore           *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchverify_scans_total",
			Help: "Completed scans by risk category",
		},
		[]string{"ecosystem", "category"},
	)

	m.ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "patchverify_scan_duration_seconds",
			Help:    "Wall time of completed scans",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	m.VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchverify_verdicts_total",
			Help: "Verdicts by status and fusion rule",
		},
		[]string{"status", "rule"},
	)

	m.ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchverify_probes_total",
			Help: "Probe evidence by outcome (absent when no probe ran)",
		},
		[]string{"outcome"},
	)

	m.DegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patchverify_scans_degraded_total",
			Help: "Scans that completed with degraded evidence",
		},
	)

	m.RiskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "patchverify_last_risk_score",
			Help: "Risk score of the most recent scan per package",
		},
		[]string{"ecosystem", "package"},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchverify_http_requests_total",
			Help: "History API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patchverify_http_request_duration_seconds",
			Help:    "History API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.Registry.MustRegister(
		m.ScansTotal,
		m.ScanDuration,
		m.VerdictsTotal,
		m.ProbesTotal,
		m.DegradedTotal,
		m.RiskScore,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveScan records a finished report.
func (m *Metrics) ObserveScan(report *types.ScanReport, elapsed time.Duration) {
	if m == nil || report == nil {
		return
	}
	m.ScansTotal.WithLabelValues(report.Ecosystem, string(report.RiskCategory)).Inc()
	m.ScanDuration.Observe(elapsed.Seconds())
	m.RiskScore.WithLabelValues(report.Ecosystem, report.Package).Set(report.RiskScore)
	if report.Degraded {
		m.DegradedTotal.Inc()
	}
	for _, v := range report.Verdicts {
		m.VerdictsTotal.WithLabelValues(string(v.Status), v.Rule).Inc()
	}
}

// ObserveProbe records one vulnerability's probe evidence.
func (m *Metrics) ObserveProbe(ev types.Evidence) {
	if m == nil {
		return
	}
	outcome := "absent"
	if p, ok := ev.(*types.ProbeEvidence); ok {
		outcome = string(p.Outcome)
	}
	m.ProbesTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts and times requests. route maps a request to a
// low-cardinality path label.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			path := r.URL.Path
			if route != nil {
				path = route(r)
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
