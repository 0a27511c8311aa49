// Package metrics defines the Prometheus collectors exported by the
// orchestration core. A single Metrics value is created at startup and
// shared by the queue, registry, transport, scheduler and dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the server exports.
type Metrics struct {
	JobsEnqueued   *prometheus.CounterVec // by tenant
	JobTransitions *prometheus.CounterVec // by to-status
	JobsClaimed    prometheus.Counter
	JobDuration    prometheus.Histogram
	QueueDepth     prometheus.Gauge
	ActiveJobs     prometheus.Gauge
	DLQDepth       prometheus.Gauge

	RobotsOnline     prometheus.Gauge
	RobotSessions    prometheus.Gauge
	HeartbeatsTotal  prometheus.Counter
	LeasesReclaimed  prometheus.Counter
	FramesReceived   *prometheus.CounterVec // by message type
	FramesSent       *prometheus.CounterVec // by message type
	ProtocolErrors   prometheus.Counter
	DispatchAttempts *prometheus.CounterVec // by outcome
	ScheduleFires    prometheus.Counter
	ScheduleMisfires prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Jobs accepted into the queue.",
		}, []string{"tenant"}),
		JobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "queue", Name: "job_transitions_total",
			Help: "Job status transitions by destination status.",
		}, []string{"status"}),
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "queue", Name: "jobs_claimed_total",
			Help: "Successful job claims.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "casare", Subsystem: "queue", Name: "job_duration_seconds",
			Help:    "Wall time from running to terminal.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casare", Subsystem: "queue", Name: "depth",
			Help: "Pending jobs eligible for dispatch.",
		}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casare", Subsystem: "queue", Name: "active_jobs",
			Help: "Jobs currently claimed or running.",
		}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casare", Subsystem: "queue", Name: "dlq_depth",
			Help: "Entries parked in the dead letter queue.",
		}),
		RobotsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casare", Subsystem: "registry", Name: "robots_online",
			Help: "Robots currently online or busy.",
		}),
		RobotSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casare", Subsystem: "transport", Name: "sessions",
			Help: "Active robot transport sessions.",
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "registry", Name: "heartbeats_total",
			Help: "Robot heartbeats processed.",
		}),
		LeasesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "queue", Name: "leases_reclaimed_total",
			Help: "Stale job leases reclaimed by the sweep.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "transport", Name: "frames_received_total",
			Help: "Frames received from robots by message type.",
		}, []string{"type"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "transport", Name: "frames_sent_total",
			Help: "Frames sent to robots by message type.",
		}, []string{"type"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "transport", Name: "protocol_errors_total",
			Help: "Frames rejected for protocol violations.",
		}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "dispatcher", Name: "attempts_total",
			Help: "Dispatch attempts by outcome.",
		}, []string{"outcome"}),
		ScheduleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "scheduler", Name: "fires_total",
			Help: "Schedule occurrences materialized into jobs.",
		}),
		ScheduleMisfires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casare", Subsystem: "scheduler", Name: "misfires_total",
			Help: "Schedule fires that failed to materialize a job.",
		}),
	}

	reg.MustRegister(
		m.JobsEnqueued, m.JobTransitions, m.JobsClaimed, m.JobDuration,
		m.QueueDepth, m.ActiveJobs, m.DLQDepth,
		m.RobotsOnline, m.RobotSessions, m.HeartbeatsTotal, m.LeasesReclaimed,
		m.FramesReceived, m.FramesSent, m.ProtocolErrors,
		m.DispatchAttempts, m.ScheduleFires, m.ScheduleMisfires,
	)
	return m
}

// NewNop returns metrics registered on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
