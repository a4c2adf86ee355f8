package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	PeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_peers_total",
			Help: "Total number of known peers in the cluster",
		},
	)

	SubscribersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_subscribers_total",
			Help: "Total number of connected subscribers by topic",
		},
		[]string{"topic"},
	)

	TopicsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_topics_total",
			Help: "Total number of distinct topics known to this node",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_raft_peers_total",
			Help: "Total number of Raft voters in the cluster",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Publish/delivery metrics
	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_publishes_total",
			Help: "Total number of publishes by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_publish_duration_seconds",
			Help:    "Time from publish request to committed acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	MessagesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_messages_delivered_total",
			Help: "Total number of messages delivered to subscribers",
		},
		[]string{"topic"},
	)

	SubscriberDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_subscriber_drops_total",
			Help: "Total number of messages dropped from a subscriber's outbound queue",
		},
		[]string{"topic", "reason"},
	)

	SubscriberDetachesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_subscriber_detaches_total",
			Help: "Total number of subscribers detached after repeated delivery failure",
		},
	)

	// Durable log store metrics
	StorageWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_storage_write_duration_seconds",
			Help:    "Time taken to commit a batch to the durable log store",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageWriteQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_storage_write_queue_depth",
			Help: "Current number of pending entries in the write serializer queue",
		},
	)

	StorageWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_storage_write_failures_total",
			Help: "Total number of failed write-serializer batch commits",
		},
	)

	// Protocol/HTTP metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ProtocolConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_protocol_connections_total",
			Help: "Total number of open client-protocol connections by role",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(TopicsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(PublishesTotal)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(MessagesDeliveredTotal)
	prometheus.MustRegister(SubscriberDropsTotal)
	prometheus.MustRegister(SubscriberDetachesTotal)
	prometheus.MustRegister(StorageWriteDuration)
	prometheus.MustRegister(StorageWriteQueueDepth)
	prometheus.MustRegister(StorageWriteFailuresTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ProtocolConnectionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
