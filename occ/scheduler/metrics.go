package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	schedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyocc",
			Subsystem: "scheduler",
			Name:      "events",
			Help:      "Counter of scheduler events",
		}, []string{"type"})

	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinyocc",
			Subsystem: "scheduler",
			Name:      "busy_workers",
			Help:      "Number of workers currently executing a task.",
		})
)

func init() {
	prometheus.MustRegister(schedCounter)
	prometheus.MustRegister(busyWorkers)
}
