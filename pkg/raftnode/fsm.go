package raftnode

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cordage/beacon/pkg/types"
	"github.com/hashicorp/raft"
)

// AppendFunc durably persists a committed publish. It is wired to
// pkg/writequeue by the caller constructing the FSM.
type AppendFunc func(msg *types.Message) error

// NotifyFunc is invoked after a publish is applied, so the broker's fan-out
// engine can deliver it to local subscribers.
type NotifyFunc func(msg *types.Message)

// BrokerFSM implements the Raft finite state machine for the cluster.
// It owns the replicated peer roster and per-topic sequence counters;
// message bodies are handed through to the durable log store via append
// but are not themselves part of FSM snapshots (see DESIGN.md).
type BrokerFSM struct {
	mu sync.RWMutex

	sequences map[string]uint64 // topic -> last assigned sequence
	peers     map[string]types.Peer

	append AppendFunc
	notify NotifyFunc
}

// NewBrokerFSM creates a new FSM instance. append is called synchronously
// from Apply for every committed publish; notify is called after append
// succeeds so local subscribers can be fanned out to.
func NewBrokerFSM(append AppendFunc, notify NotifyFunc) *BrokerFSM {
	return &BrokerFSM{
		sequences: make(map[string]uint64),
		peers:     make(map[string]types.Peer),
		append:    append,
		notify:    notify,
	}
}

// Apply applies a single committed log entry.
func (f *BrokerFSM) Apply(log *raft.Log) interface{} {
	var cmd types.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	switch cmd.Op {
	case types.OpPublish:
		var pub types.PublishCommand
		if err := json.Unmarshal(cmd.Data, &pub); err != nil {
			return err
		}
		return f.applyPublish(&pub)

	case types.OpJoinPeer:
		var join types.JoinPeerCommand
		if err := json.Unmarshal(cmd.Data, &join); err != nil {
			return err
		}
		f.mu.Lock()
		f.peers[join.Peer.NodeID] = join.Peer
		f.mu.Unlock()
		return nil

	case types.OpLeavePeer:
		var leave types.LeavePeerCommand
		if err := json.Unmarshal(cmd.Data, &leave); err != nil {
			return err
		}
		f.mu.Lock()
		delete(f.peers, leave.NodeID)
		f.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *BrokerFSM) applyPublish(pub *types.PublishCommand) interface{} {
	f.mu.Lock()
	f.sequences[pub.Topic]++
	seq := f.sequences[pub.Topic]
	f.mu.Unlock()

	msg := &types.Message{
		ID:        pub.ID,
		Topic:     pub.Topic,
		Format:    pub.Format,
		Payload:   pub.Payload,
		Sequence:  seq,
		Timestamp: pub.Timestamp,
	}

	if f.append != nil {
		if err := f.append(msg); err != nil {
			return fmt.Errorf("failed to persist message: %w", err)
		}
	}
	if f.notify != nil {
		f.notify(msg)
	}
	return msg
}

// Peers returns a snapshot of the current replicated peer roster.
func (f *BrokerFSM) Peers() []types.Peer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.Peer, 0, len(f.peers))
	for _, p := range f.peers {
		out = append(out, p)
	}
	return out
}

// LastSequence returns the last sequence number assigned for topic.
func (f *BrokerFSM) LastSequence(topic string) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sequences[topic]
}

// Snapshot captures the peer roster and sequence counters. Message bodies
// are intentionally excluded; they already live durably and uncompacted in
// the log store.
func (f *BrokerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &brokerSnapshot{
		Sequences: make(map[string]uint64, len(f.sequences)),
		Peers:     make(map[string]types.Peer, len(f.peers)),
	}
	for k, v := range f.sequences {
		snap.Sequences[k] = v
	}
	for k, v := range f.peers {
		snap.Peers[k] = v
	}
	return snap, nil
}

// Restore replaces in-memory state from a previously persisted snapshot.
func (f *BrokerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap brokerSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences = snap.Sequences
	f.peers = snap.Peers
	if f.sequences == nil {
		f.sequences = make(map[string]uint64)
	}
	if f.peers == nil {
		f.peers = make(map[string]types.Peer)
	}
	return nil
}

type brokerSnapshot struct {
	Sequences map[string]uint64    `json:"sequences"`
	Peers     map[string]types.Peer `json:"peers"`
}

func (s *brokerSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *brokerSnapshot) Release() {}
