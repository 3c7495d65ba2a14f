package engine

import "github.com/prometheus/client_golang/prometheus"

// Task outcome labels.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
)

var tasksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "attemptd_tasks_total",
		Help: "Total number of tasks run, by outcome.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(tasksTotal)
}
