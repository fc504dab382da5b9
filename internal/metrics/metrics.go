// Package metrics exposes queue activity counters and gauges. Only
// counts are recorded, never payload or result contents.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Enqueued        *prometheus.CounterVec
	Completed       *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	Retried         *prometheus.CounterVec
	RateLimitDenied *prometheus.CounterVec
	QueueWaiting    *prometheus.GaugeVec
	QueueActive     *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_jobs_enqueued_total",
			Help: "Jobs accepted into a provider queue.",
		}, []string{"provider", "priority"}),
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_jobs_completed_total",
			Help: "Jobs that reached the completed state.",
		}, []string{"provider"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_jobs_failed_total",
			Help: "Jobs that reached the failed state after exhausting retries.",
		}, []string{"provider"}),
		Retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_jobs_retried_total",
			Help: "Failed handler invocations that were scheduled for retry.",
		}, []string{"provider"}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_rate_limit_denied_total",
			Help: "Rate-limit denials; these never consume a job attempt.",
		}, []string{"provider"}),
		QueueWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobqueue_queue_waiting",
			Help: "Jobs waiting (including delayed) per provider queue.",
		}, []string{"provider"}),
		QueueActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobqueue_queue_active",
			Help: "Jobs currently executing per provider queue.",
		}, []string{"provider"}),
	}
}
