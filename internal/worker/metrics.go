package worker

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every worker of a host. A nil *Metrics disables
// collection.
type Metrics struct {
	fetches         *prometheus.CounterVec
	precacheEntries prometheus.Gauge
	precacheBytes   prometheus.Gauge
	timersFired     prometheus.Counter
	notifications   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_fetch_total",
				Help: "Intercepted requests by request class and response source",
			},
			[]string{"class", "source"}, // source: preload, cache, network, fallback, error
		),
		precacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "offline0_precache_entries",
			Help: "Entries written by the last successful install",
		}),
		precacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "offline0_precache_bytes",
			Help: "Body bytes written by the last successful install",
		}),
		timersFired: f.NewCounter(prometheus.CounterOpts{
			Name: "offline0_timers_fired_total",
			Help: "Timers that reached their end time",
		}),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_notifications_total",
				Help: "Timer notifications by outcome",
			},
			[]string{"result"}, // shown, failed, unavailable
		),
	}
}

func (m *Metrics) observeFetch(class Class, source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(class.String(), source).Inc()
}

func (m *Metrics) observeInstall(entries int, bytes uint64) {
	if m == nil {
		return
	}
	m.precacheEntries.Set(float64(entries))
	m.precacheBytes.Set(float64(bytes))
}

func (m *Metrics) observeTimerFired() {
	if m == nil {
		return
	}
	m.timersFired.Inc()
}

func (m *Metrics) observeNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// formatBytes renders sizes for log lines: 512b, 1.5kb, 12mb.
func formatBytes(b uint64) string {
	units := []string{"b", "kb", "mb", "gb"}
	v := float64(b)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return strconv.FormatUint(b, 10) + "b"
	}
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0") + units[i]
}
