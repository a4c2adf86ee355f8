package raftnode

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/cordage/beacon/pkg/types"
	"github.com/hashicorp/raft"
)

func applyCmd(t *testing.T, fsm *BrokerFSM, cmd types.Command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return fsm.Apply(&raft.Log{Data: data})
}

func TestFSMApplyPublishAppendsAndNotifies(t *testing.T) {
	var appended []*types.Message
	var notified []*types.Message

	fsm := NewBrokerFSM(
		func(msg *types.Message) error {
			appended = append(appended, msg)
			return nil
		},
		func(msg *types.Message) {
			notified = append(notified, msg)
		},
	)

	data, _ := json.Marshal(types.PublishCommand{Topic: "alerts", Format: "RAW", Payload: []byte("hi")})
	resp := applyCmd(t, fsm, types.Command{Op: types.OpPublish, Data: data})

	msg, ok := resp.(*types.Message)
	if !ok {
		t.Fatalf("expected *types.Message response, got %T", resp)
	}
	if msg.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", msg.Sequence)
	}
	if len(appended) != 1 || len(notified) != 1 {
		t.Fatalf("expected one append and one notify, got %d/%d", len(appended), len(notified))
	}
}

func TestFSMApplyUnknownOp(t *testing.T) {
	fsm := NewBrokerFSM(nil, nil)
	resp := applyCmd(t, fsm, types.Command{Op: "bogus"})
	if _, ok := resp.(error); !ok {
		t.Fatal("expected error response for unknown op")
	}
}

func TestFSMJoinAndLeavePeer(t *testing.T) {
	fsm := NewBrokerFSM(nil, nil)

	joinData, _ := json.Marshal(types.JoinPeerCommand{Peer: types.Peer{NodeID: "n2", Address: "127.0.0.1:9000"}})
	applyCmd(t, fsm, types.Command{Op: types.OpJoinPeer, Data: joinData})

	if len(fsm.Peers()) != 1 {
		t.Fatalf("expected 1 peer after join, got %d", len(fsm.Peers()))
	}

	leaveData, _ := json.Marshal(types.LeavePeerCommand{NodeID: "n2"})
	applyCmd(t, fsm, types.Command{Op: types.OpLeavePeer, Data: leaveData})

	if len(fsm.Peers()) != 0 {
		t.Fatalf("expected 0 peers after leave, got %d", len(fsm.Peers()))
	}
}

func TestFSMSnapshotRestore(t *testing.T) {
	fsm := NewBrokerFSM(func(*types.Message) error { return nil }, nil)

	data, _ := json.Marshal(types.PublishCommand{Topic: "alerts", Format: "RAW", Payload: []byte("hi")})
	applyCmd(t, fsm, types.Command{Op: types.OpPublish, Data: data})
	applyCmd(t, fsm, types.Command{Op: types.OpPublish, Data: data})

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	pr, pw := io.Pipe()
	sink := &fakeSink{PipeWriter: pw}
	go func() {
		_ = snap.Persist(sink)
	}()

	restored := NewBrokerFSM(nil, nil)
	if err := restored.Restore(pr); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.LastSequence("alerts") != 2 {
		t.Fatalf("expected restored sequence 2, got %d", restored.LastSequence("alerts"))
	}
}

type fakeSink struct {
	*io.PipeWriter
}

func (f *fakeSink) ID() string   { return "snap-1" }
func (f *fakeSink) Cancel() error { return f.PipeWriter.CloseWithError(nil) }
func (f *fakeSink) Close() error  { return f.PipeWriter.Close() }
