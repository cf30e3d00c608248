package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"freeblock/internal/checkin"
)

// Metrics holds the service collectors.
type Metrics struct {
	attempts      *prometheus.CounterVec
	resets        *prometheus.CounterVec
	resetDuration prometheus.Histogram
	rotations     prometheus.Counter
	sessionTokens *prometheus.CounterVec
	reminders     prometheus.Gauge
}

// New registers collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freeblock_checkin_attempts_total",
			Help: "Check-in attempts by mode, outcome and reason.",
		}, []string{"mode", "outcome", "reason"}),
		resets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freeblock_reset_runs_total",
			Help: "Daily reset runs by result.",
		}, []string{"result"}),
		resetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "freeblock_reset_duration_seconds",
			Help:    "Duration of completed reset runs.",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Name: "freeblock_kiosk_rotations_total",
			Help: "Kiosk token rotations.",
		}),
		sessionTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freeblock_session_tokens_total",
			Help: "Session token exchanges by result.",
		}, []string{"result"}),
		reminders: f.NewGauge(prometheus.GaugeOpts{
			Name: "freeblock_reminders_pending",
			Help: "Reminders armed by the last reset.",
		}),
	}
}

// Nil receivers are no-ops so callers can run without metrics.

func (m *Metrics) ObserveOutcome(o checkin.Outcome) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(o.Mode.String(), o.Kind.String(), o.Reason.String()).Inc()
}

func (m *Metrics) ObserveReset(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	if !ok {
		m.resets.WithLabelValues("failed").Inc()
		return
	}
	m.resets.WithLabelValues("ok").Inc()
	m.resetDuration.Observe(took.Seconds())
}

func (m *Metrics) KioskRotated() {
	if m != nil {
		m.rotations.Inc()
	}
}

func (m *Metrics) SessionToken(result string) {
	if m != nil {
		m.sessionTokens.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RemindersArmed(n int) {
	if m != nil {
		m.reminders.Set(float64(n))
	}
}
