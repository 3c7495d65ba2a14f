package reaper

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attemptd_reaper_ticks_total",
			Help: "Total number of TTL scans performed.",
		},
	)

	tickErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attemptd_reaper_tick_errors_total",
			Help: "Total number of TTL scans that hit a store error.",
		},
	)

	violationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attemptd_reaper_violations_total",
			Help: "Total number of TTL violations that caused a state transition.",
		},
		[]string{"kind"},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attemptd_reaper_tick_duration_seconds",
			Help:    "TTL scan duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal, tickErrorsTotal, violationsTotal, tickDuration)
}
