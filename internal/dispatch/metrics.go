package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aegis"

var (
	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Notification delivery outcomes by channel and result",
		},
		[]string{"channel", "result"},
	)

	notificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Notification send duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	batchesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batch_items_total",
			Help:      "Total queue items claimed in batches",
		},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dead_lettered_total",
			Help:      "Items moved to the dead letter set",
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Notification queue depth by status",
		},
		[]string{"status"},
	)
)

// RecordQueueStats updates the queue depth gauges from a stats snapshot.
func RecordQueueStats(stats QueueStats) {
	queueDepth.WithLabelValues(string(QueueStatusPending)).Set(float64(stats.Pending))
	queueDepth.WithLabelValues(string(QueueStatusProcessing)).Set(float64(stats.Processing))
	queueDepth.WithLabelValues(string(QueueStatusFailed)).Set(float64(stats.Failed))
	queueDepth.WithLabelValues(string(QueueStatusDead)).Set(float64(stats.Dead))
}

func recordNotificationSent(channel, result string) {
	notificationsSent.WithLabelValues(channel, result).Inc()
}

func recordNotificationDuration(channel string, d time.Duration) {
	notificationDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func recordBatchProcessed(count int) {
	batchesProcessed.Add(float64(count))
}

func recordDeadLettered(channel string) {
	deadLettered.WithLabelValues(channel).Inc()
}
