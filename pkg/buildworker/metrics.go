package buildworker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type workerMetrics struct {
	buildsStarted   prometheus.Counter
	buildsSucceeded prometheus.Counter
	buildsFailed    prometheus.Counter
	filesStored     prometheus.Counter
}

func newWorkerMetrics() *workerMetrics {
	return &workerMetrics{
		buildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_builds_started_total",
			Help: "Layer builds this worker has claimed",
		}),
		buildsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_builds_succeeded_total",
			Help: "Layer builds finalized successfully",
		}),
		buildsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_builds_failed_total",
			Help: "Layer builds that ended in failure",
		}),
		filesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_build_files_stored_total",
			Help: "Files stored into keyspaces by builds",
		}),
	}
}

// for the caller to register onto its prometheus registry of choice
func (c *Controller) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.metrics.buildsStarted,
		c.metrics.buildsSucceeded,
		c.metrics.buildsFailed,
		c.metrics.filesStored,
	}
}
