/*
Package metrics defines and registers beacon's Prometheus metrics and
a small health registry for readiness/liveness probes.

All metrics are package-level prometheus.Collectors registered at
init() time via prometheus.MustRegister, matching the "no runtime
registration" pattern used throughout this codebase. Handler exposes
them for scraping.

# Metrics Catalog

Cluster:
  - beacon_peers_total
  - beacon_topics_total
  - beacon_subscribers_total{topic}

Raft:
  - beacon_raft_is_leader
  - beacon_raft_peers_total
  - beacon_raft_term
  - beacon_raft_log_index
  - beacon_raft_applied_index
  - beacon_raft_apply_duration_seconds

Publish/delivery:
  - beacon_publishes_total{topic,outcome}
  - beacon_publish_duration_seconds{topic}
  - beacon_messages_delivered_total{topic}
  - beacon_subscriber_drops_total{topic,reason}
  - beacon_subscriber_detaches_total

Durable storage:
  - beacon_storage_write_duration_seconds
  - beacon_storage_write_queue_depth
  - beacon_storage_write_failures_total

Admin API / client protocol:
  - beacon_api_requests_total{method,status}
  - beacon_api_request_duration_seconds{method}
  - beacon_protocol_connections_total{role}

# Usage

	timer := metrics.NewTimer()
	msg, err := b.Publish(ctx, topic, contentType, payload)
	timer.ObserveDurationVec(metrics.PublishDuration, topic)

	metrics.PeersTotal.Set(float64(len(peers)))
	metrics.PublishesTotal.WithLabelValues(topic, "ok").Inc()

# Health Registry

health.go tracks per-component readiness (raft, storage, protocol)
independently of Prometheus so the admin API can answer /health and
/ready without waiting on a scrape. broker.StatsCollector polls the
broker every 15 seconds to keep the Raft and topic gauges current;
see pkg/broker/collector.go.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
