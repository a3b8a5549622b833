package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campuscruiser",
		Name:      "messages_appended_total",
		Help:      "Messages committed to the message store, by sender role.",
	}, []string{"role"})

	DirectoryUpsertFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campuscruiser",
		Name:      "directory_upsert_failures_total",
		Help:      "Best-effort conversation directory writes that failed.",
	}, []string{"op"})

	StoreOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "campuscruiser",
		Name:      "store_op_seconds",
		Help:      "Latency of message store and directory operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "campuscruiser",
		Name:      "active_subscriptions",
		Help:      "Live subscriptions currently receiving updates.",
	}, []string{"kind"})

	PushSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campuscruiser",
		Name:      "push_notifications_total",
		Help:      "Web push deliveries by outcome.",
	}, []string{"outcome"})
)

// ObserveSince records the duration of a store operation started at start.
func ObserveSince(op string, start time.Time) {
	StoreOpSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
