package workflow

import "github.com/prometheus/client_golang/prometheus"

var (
	activityCompletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_flow",
		Subsystem: "instance",
		Name:      "activity_completions_total",
		Help:      "Total number of activity completion attempts by outcome.",
	}, []string{"workflow", "outcome"})

	instancesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_flow",
		Subsystem: "instance",
		Name:      "completed_total",
		Help:      "Total number of instances whose frontier became empty.",
	}, []string{"workflow"})

	snapshotErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_flow",
		Subsystem: "engine",
		Name:      "snapshot_errors_total",
		Help:      "Total number of instance snapshots that could not be stored.",
	}, []string{"workflow"})
)

func init() {
	prometheus.MustRegister(
		activityCompletions,
		instancesCompleted,
		snapshotErrors,
	)
}
