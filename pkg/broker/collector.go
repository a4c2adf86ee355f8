package broker

import (
	"strconv"
	"time"

	"github.com/cordage/beacon/pkg/metrics"
)

// StatsCollector periodically pushes broker and Raft state into the
// package-level prometheus gauges. Everything it reads is already
// exposed through Broker's public accessors, so it has no special
// access to broker internals.
type StatsCollector struct {
	broker *Broker
	stopCh chan struct{}
}

// NewStatsCollector creates a collector over b.
func NewStatsCollector(b *Broker) *StatsCollector {
	return &StatsCollector{broker: b, stopCh: make(chan struct{})}
}

// Start begins collecting on a 15 second interval.
func (c *StatsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *StatsCollector) Stop() {
	close(c.stopCh)
}

func (c *StatsCollector) collect() {
	if c.broker.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.broker.Stats()
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		metrics.RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		metrics.RaftAppliedIndex.Set(float64(appliedIndex))
	}
	// hashicorp/raft reports the term as a decimal string.
	if termStr, ok := stats["term"].(string); ok {
		if term, err := strconv.ParseUint(termStr, 10, 64); err == nil {
			metrics.RaftTerm.Set(float64(term))
		}
	}
	if clusterSize, ok := stats["cluster_size"].(int); ok {
		metrics.RaftPeers.Set(float64(clusterSize))
		metrics.PeersTotal.Set(float64(clusterSize))
	}

	topicCounts := c.broker.TopicSubscriberCounts()
	metrics.TopicsTotal.Set(float64(len(topicCounts)))
}
