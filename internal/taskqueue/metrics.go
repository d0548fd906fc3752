package taskqueue

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	tasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ossgate",
		Subsystem: "taskqueue",
		Name:      "tasks_processed_total",
		Help:      "Total number of tasks processed",
	}, []string{"type", "status"}) // status: "completed", "retry", "dead_letter", "no_handler"

	taskProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ossgate",
		Subsystem: "taskqueue",
		Name:      "task_processing_duration_seconds",
		Help:      "Time spent processing tasks",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 60, 300},
	}, []string{"type"})

	enqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ossgate",
		Subsystem: "taskqueue",
		Name:      "tasks_enqueued_total",
		Help:      "Total number of tasks enqueued",
	}, []string{"type"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ossgate",
		Subsystem: "taskqueue",
		Name:      "queue_depth",
		Help:      "Current number of tasks in queue by status",
	}, []string{"status"})

	workersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ossgate",
		Subsystem: "taskqueue",
		Name:      "workers_active",
		Help:      "Number of active worker goroutines",
	})

	dequeueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ossgate",
		Subsystem: "taskqueue",
		Name:      "dequeue_errors_total",
		Help:      "Total number of dequeue errors",
	})
)

// Collectors returns the queue's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		tasksProcessedTotal,
		taskProcessingDuration,
		enqueuedTotal,
		queueDepth,
		workersActive,
		dequeueErrors,
	}
}

// ReportDepth refreshes the queue depth gauge every interval until ctx is
// cancelled.
func ReportDepth(ctx context.Context, q Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to read task queue stats")
				continue
			}
			queueDepth.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
			queueDepth.WithLabelValues(string(StatusRunning)).Set(float64(stats.Running))
			queueDepth.WithLabelValues(string(StatusDeadLetter)).Set(float64(stats.DeadLetter))
		}
	}
}
