package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cookiescan/internal/domain"
)

const namespace = "cookiescan"

// Scans holds the scan lifecycle collectors. A nil *Scans is valid and
// records nothing.
type Scans struct {
	Created  prometheus.Counter
	Finished *prometheus.CounterVec // labels: status
	Duration prometheus.Histogram
	Cookies  *prometheus.CounterVec // labels: category
	InFlight prometheus.Gauge
	Rejected prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Scans {
	f := promauto.With(reg)
	return &Scans{
		Created: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_created_total",
			Help:      "Total number of scans accepted",
		}),
		Finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Total number of scans that reached a terminal status",
		}, []string{"status"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time from run start to terminal write",
			Buckets:   []float64{5, 10, 15, 20, 30, 45, 60, 90, 120},
		}),
		Cookies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cookies_captured_total",
			Help:      "Total number of cookies captured, by category",
		}, []string{"category"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_in_flight",
			Help:      "Number of scans currently running",
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_requests_rate_limited_total",
			Help:      "Total number of scan requests rejected by the tenant rate limit",
		}),
	}
}

func (m *Scans) IncCreated() {
	if m != nil {
		m.Created.Inc()
	}
}

func (m *Scans) IncRejected() {
	if m != nil {
		m.Rejected.Inc()
	}
}

// TrackRun marks a run in flight until the returned func is called. Only a
// terminal status counts as finished; any other status just ends tracking.
func (m *Scans) TrackRun() func(domain.Status) {
	if m == nil {
		return func(domain.Status) {}
	}
	start := time.Now()
	m.InFlight.Inc()
	return func(status domain.Status) {
		m.InFlight.Dec()
		if !status.Terminal() {
			return
		}
		m.Duration.Observe(time.Since(start).Seconds())
		m.Finished.WithLabelValues(string(status)).Inc()
	}
}

func (m *Scans) ObserveCookies(cookies []domain.CookieRecord) {
	if m == nil {
		return
	}
	for _, c := range cookies {
		m.Cookies.WithLabelValues(string(c.Category)).Inc()
	}
}
