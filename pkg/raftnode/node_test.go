package raftnode

import (
	"fmt"
	"testing"
	"time"

	"github.com/cordage/beacon/pkg/types"
	"github.com/travisjeffery/go-dynaport"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	ports := dynaport.Get(1)
	addr := fmt.Sprintf("127.0.0.1:%d", ports[0])

	fsm := NewBrokerFSM(nil, nil)
	n, err := New(Config{
		NodeID:   "node-1",
		BindAddr: addr,
		DataDir:  t.TempDir(),
	}, fsm)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	if err := n.Bootstrap(); err != nil {
		t.Fatalf("failed to bootstrap: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !n.IsLeader() {
		select {
		case <-deadline:
			t.Fatal("node never became leader")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return n
}

func TestBootstrapBecomesLeader(t *testing.T) {
	n := newTestNode(t)
	defer n.Shutdown()

	if !n.IsLeader() {
		t.Fatal("expected bootstrapped node to be leader")
	}
}

func TestPublishAssignsIncreasingSequence(t *testing.T) {
	n := newTestNode(t)
	defer n.Shutdown()

	m1, err := n.Publish("orders", string(types.FormatJSON), []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	m2, err := n.Publish("orders", string(types.FormatJSON), []byte(`{"id":2}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if m1.Sequence != 1 || m2.Sequence != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", m1.Sequence, m2.Sequence)
	}

	m3, err := n.Publish("payments", string(types.FormatJSON), []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if m3.Sequence != 1 {
		t.Fatalf("expected independent sequence space per topic, got %d", m3.Sequence)
	}
}

func TestStatsReportsLeaderState(t *testing.T) {
	n := newTestNode(t)
	defer n.Shutdown()

	stats := n.Stats()
	if stats["state"] != "Leader" {
		t.Fatalf("expected state Leader, got %v", stats["state"])
	}
	if stats["cluster_size"] != 1 {
		t.Fatalf("expected cluster_size 1, got %v", stats["cluster_size"])
	}
}
