package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cordage/beacon/pkg/broker"
	"github.com/cordage/beacon/pkg/raftnode"
	"github.com/cordage/beacon/pkg/types"
	"github.com/cordage/beacon/pkg/writequeue"
	"github.com/travisjeffery/go-dynaport"
)

type memStore struct {
	mu   sync.Mutex
	msgs map[string][]*types.Message
}

func newMemStore() *memStore { return &memStore{msgs: make(map[string][]*types.Message)} }

func (s *memStore) Append(msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.Topic] = append(s.msgs[msg.Topic], msg)
	return nil
}
func (s *memStore) AppendBatch(msgs []*types.Message) error {
	for _, m := range msgs {
		if err := s.Append(m); err != nil {
			return err
		}
	}
	return nil
}
func (s *memStore) ReadRange(topic string, from uint64, limit int) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, m := range s.msgs[topic] {
		if m.Sequence >= from {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
func (s *memStore) LastSequence(topic string) (uint64, error)          { return 0, nil }
func (s *memStore) Topics() ([]string, error)                          { return nil, nil }
func (s *memStore) SaveSubscriptions(subs []*types.Subscription) error { return nil }
func (s *memStore) ListSubscriptions() ([]*types.Subscription, error)  { return nil, nil }
func (s *memStore) Close() error                                       { return nil }

func newTestServer(t *testing.T) (*Server, *broker.Broker) {
	t.Helper()
	ports := dynaport.Get(1)
	raftAddr := fmt.Sprintf("127.0.0.1:%d", ports[0])

	store := newMemStore()
	q := writequeue.New(store, writequeue.DefaultConfig())
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	b := broker.New(nil, store, q, nil)
	appendFn, notifyFn := b.Callbacks()
	fsm := raftnode.NewBrokerFSM(appendFn, notifyFn)
	node, err := raftnode.New(raftnode.Config{NodeID: "node-1", BindAddr: raftAddr, DataDir: t.TempDir()}, fsm)
	if err != nil {
		t.Fatalf("failed to create raft node: %v", err)
	}
	if err := node.Bootstrap(); err != nil {
		t.Fatalf("failed to bootstrap: %v", err)
	}
	t.Cleanup(func() { node.Shutdown() })
	b.SetNode(node)

	deadline := time.After(5 * time.Second)
	for !node.IsLeader() {
		select {
		case <-deadline:
			t.Fatal("node never became leader")
		case <-time.After(10 * time.Millisecond):
		}
	}

	srv := NewServer("127.0.0.1:0", b, "127.0.0.1:8080", raftAddr, "127.0.0.1:9000")
	return srv, b
}

func TestHandlePeerInfo(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/peer-info", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var peer types.Peer
	if err := json.NewDecoder(rec.Body).Decode(&peer); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if peer.NodeID != "node-1" {
		t.Fatalf("expected node-1, got %q", peer.NodeID)
	}
}

func TestHandlePublishAndReadMessages(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(publishRequest{Topic: "orders", Format: "JSON", Payload: []byte(`{"id":1}`)})
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	time.Sleep(100 * time.Millisecond)

	req = httptest.NewRequest(http.MethodGet, "/messages?topic=orders", nil)
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Messages []*types.Message `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(resp.Messages))
	}
}

func TestHandlePublishMissingTopic(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(publishRequest{Format: "JSON", Payload: []byte("{}")})
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleMessagesMissingTopic(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRaftReportsLeaderState(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/raft", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats["state"] != "Leader" {
		t.Fatalf("expected Leader state, got %v", stats["state"])
	}
}
