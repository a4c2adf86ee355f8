// Package raftnode wraps hashicorp/raft into the cluster's consensus core:
// bootstrapping, joining, voter management, and the command-apply path used
// by every replicated operation (publish, peer join/leave).
package raftnode

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cordage/beacon/pkg/log"
	"github.com/cordage/beacon/pkg/metrics"
	"github.com/cordage/beacon/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config holds construction parameters for a Node.
type Config struct {
	NodeID   string
	BindAddr string // Raft transport address, host:port
	DataDir  string
}

// Node wraps a hashicorp/raft instance and this broker's FSM.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *BrokerFSM
}

// raftConfig returns the tuned raft.Config used by both Bootstrap and Join.
// HeartbeatTimeout=50ms and ElectionTimeout=150ms put hashicorp/raft's
// internally randomized election window at exactly [150ms, 300ms), matching
// this cluster's target failure-detection bound.
func raftConfig(nodeID string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 150 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	return cfg
}

// New creates the raft instance for cfg, wiring fsm as its state machine.
// The instance is ready to either Bootstrap (first node) or be contacted by
// an existing leader's AddVoter call (joining node).
func New(cfg Config, fsm *BrokerFSM) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	raftCfg := raftConfig(cfg.NodeID)
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		raft:     r,
		fsm:      fsm,
	}, nil
}

// Bootstrap forms a brand new single-node cluster with this node as the
// only voter. Call this only for the first node in a fresh cluster.
func (n *Node) Bootstrap() error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.nodeID), Address: raft.ServerAddress(n.bindAddr)},
		},
	}
	future := n.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// AddVoter adds a new voting member to the cluster. Must be called on the
// current leader.
func (n *Node) AddVoter(nodeID, raftAddr string) error {
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderAddress())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	log.WithComponent("raftnode").Info().Str("peer", nodeID).Msg("added voter")
	return nil
}

// RemoveServer removes a member from the cluster. Must be called on the
// current leader.
func (n *Node) RemoveServer(nodeID string) error {
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderAddress())
	}
	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current Raft configuration's server list.
func (n *Node) GetClusterServers() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddress returns the Raft transport address of the current leader,
// or empty if unknown.
func (n *Node) LeaderAddress() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Stats reports a snapshot of raft state for the admin API.
func (n *Node) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"node_id":        n.nodeID,
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         n.LeaderAddress(),
	}

	raftStats := n.raft.Stats()
	stats["term"] = raftStats["term"]

	if servers, err := n.GetClusterServers(); err == nil {
		stats["cluster_size"] = len(servers)
	} else {
		stats["cluster_size"] = 0
	}

	return stats
}

// Apply submits cmd to the replicated log and blocks until it is committed
// (or the apply times out / this node is not the leader).
func (n *Node) Apply(cmd types.Command, timeout time.Duration) (interface{}, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// Publish applies a publish command and returns the durable message that
// was assigned a sequence number by the FSM. The message ID and
// timestamp are generated here, once, on the leader proposing the
// command — not inside the FSM's Apply, which every node in the cluster
// runs independently and must produce identical results from.
func (n *Node) Publish(topic, format string, payload []byte) (*types.Message, error) {
	data, err := json.Marshal(types.PublishCommand{
		ID:        uuid.NewString(),
		Topic:     topic,
		Format:    format,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal publish command: %w", err)
	}

	resp, err := n.Apply(types.Command{Op: types.OpPublish, Data: data}, 5*time.Second)
	if err != nil {
		return nil, err
	}

	msg, ok := resp.(*types.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response type %T", resp)
	}
	return msg, nil
}

// JoinPeer records a peer's address in the replicated roster.
func (n *Node) JoinPeer(peer types.Peer) error {
	data, err := json.Marshal(types.JoinPeerCommand{Peer: peer})
	if err != nil {
		return fmt.Errorf("failed to marshal join command: %w", err)
	}
	_, err = n.Apply(types.Command{Op: types.OpJoinPeer, Data: data}, 5*time.Second)
	return err
}

// FSM returns the underlying state machine, for callers that need direct
// read access to the replicated peer roster or sequence counters.
func (n *Node) FSM() *BrokerFSM {
	return n.fsm
}

// NodeID returns this node's stable identifier.
func (n *Node) NodeID() string {
	return n.nodeID
}

// Shutdown stops the raft instance.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

// StepDown relinquishes Raft leadership if this node currently holds it.
// A no-op on a follower. Used when the Write Serializer has exhausted its
// retries and this node can no longer safely act as leader.
func (n *Node) StepDown() error {
	if !n.IsLeader() {
		return nil
	}
	future := n.raft.LeadershipTransfer()
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to transfer leadership: %w", err)
	}
	return nil
}
