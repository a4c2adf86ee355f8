package writequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cordage/beacon/pkg/types"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]*types.Message
	failures int
}

func (f *fakeStore) Append(msg *types.Message) error { return f.AppendBatch([]*types.Message{msg}) }

func (f *fakeStore) AppendBatch(msgs []*types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("simulated write failure")
	}
	cp := make([]*types.Message, len(msgs))
	copy(cp, msgs)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStore) ReadRange(topic string, from uint64, limit int) ([]*types.Message, error) {
	return nil, nil
}
func (f *fakeStore) LastSequence(topic string) (uint64, error)        { return 0, nil }
func (f *fakeStore) Topics() ([]string, error)                        { return nil, nil }
func (f *fakeStore) SaveSubscriptions(_ []*types.Subscription) error  { return nil }
func (f *fakeStore) ListSubscriptions() ([]*types.Subscription, error) { return nil, nil }
func (f *fakeStore) Close() error                                     { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestQueueAppendCommits(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	q := New(store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	if err := q.Append(context.Background(), &types.Message{Topic: "t", Sequence: 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if got := store.count(); got != 1 {
		t.Fatalf("expected 1 stored message, got %d", got)
	}
}

func TestQueueBatchesConcurrentAppends(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.MaxBatch = 10
	cfg.FlushInterval = 20 * time.Millisecond
	q := New(store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			if err := q.Append(context.Background(), &types.Message{Topic: "t", Sequence: seq}); err != nil {
				t.Errorf("append %d failed: %v", seq, err)
			}
		}(uint64(i))
	}
	wg.Wait()

	if got := store.count(); got != 20 {
		t.Fatalf("expected 20 stored messages, got %d", got)
	}
}

func TestQueuePersistentFailureTripsUnhealthy(t *testing.T) {
	store := &fakeStore{failures: 100}
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	cfg.FlushInterval = 5 * time.Millisecond

	var stepDownCalled bool
	var mu sync.Mutex
	cfg.OnPersistentFailure = func(err error) {
		mu.Lock()
		stepDownCalled = true
		mu.Unlock()
	}

	q := New(store, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	for i := 0; i < 2; i++ {
		_ = q.Append(context.Background(), &types.Message{Topic: "t", Sequence: uint64(i)})
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		called := stepDownCalled
		mu.Unlock()
		if called {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected OnPersistentFailure to be called")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if q.Healthy() {
		t.Error("expected queue to be unhealthy after persistent failures")
	}
}
