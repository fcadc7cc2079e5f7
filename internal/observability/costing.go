package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CostingMetrics mengumpulkan metrik untuk mesin costing dan depletion.
// Semua method aman dipanggil pada receiver nil.
type CostingMetrics struct {
	depletions   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	costLayers   *prometheus.CounterVec
	glPostings   *prometheus.CounterVec
	cogsAlerts   *prometheus.CounterVec
	itemLockWait *prometheus.HistogramVec
}

// NewCostingMetrics mendaftarkan collector costing ke registerer.
func NewCostingMetrics(registerer prometheus.Registerer) *CostingMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m := &CostingMetrics{
		depletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_costing_depletions_total",
			Help: "Jumlah depletion per status akhir dan kode error.",
		}, []string{"status", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_costing_depletion_duration_seconds",
			Help:    "Durasi pemrosesan depletion per status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		costLayers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_costing_cost_layers_total",
			Help: "Jumlah permintaan cost layer per source type dan hasil.",
		}, []string{"source_type", "outcome"}),
		glPostings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_costing_gl_postings_total",
			Help: "Hasil posting jurnal COGS ke GL.",
		}, []string{"status"}),
		cogsAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_costing_cogs_alerts_total",
			Help: "Alert rekonsiliasi COGS per severity dan kode.",
		}, []string{"severity", "code"}),
		itemLockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_costing_item_lock_wait_seconds",
			Help:    "Waktu tunggu untuk memperoleh lock item.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"mode"}),
	}
	registerer.MustRegister(m.depletions, m.duration, m.costLayers, m.glPostings, m.cogsAlerts, m.itemLockWait)
	return m
}

// ObserveDepletion mencatat hasil akhir satu depletion.
func (m *CostingMetrics) ObserveDepletion(status, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.depletions.WithLabelValues(label(status), label(code)).Inc()
	m.duration.WithLabelValues(label(status)).Observe(elapsed.Seconds())
}

// CostLayer mencatat permintaan cost layer; outcome created|idempotent|rejected.
func (m *CostingMetrics) CostLayer(sourceType, outcome string) {
	if m == nil {
		return
	}
	m.costLayers.WithLabelValues(label(sourceType), label(outcome)).Inc()
}

// GLPosting mencatat hasil posting GL.
func (m *CostingMetrics) GLPosting(status string) {
	if m == nil {
		return
	}
	m.glPostings.WithLabelValues(label(status)).Inc()
}

// CogsAlert mencatat alert rekonsiliasi.
func (m *CostingMetrics) CogsAlert(severity, code string) {
	if m == nil {
		return
	}
	m.cogsAlerts.WithLabelValues(strings.ToLower(label(severity)), label(code)).Inc()
}

// LockWait mencatat waktu tunggu lock item.
func (m *CostingMetrics) LockWait(mode string, waited time.Duration) {
	if m == nil {
		return
	}
	m.itemLockWait.WithLabelValues(label(mode)).Observe(waited.Seconds())
}

func label(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
