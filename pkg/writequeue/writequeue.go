// Package writequeue implements the single-writer serializer that sits in
// front of the durable log store. BoltDB permits only one writer
// transaction at a time; rather than let every caller block on that lock
// independently, appends are funneled through one goroutine that batches
// them into a single transaction per flush.
package writequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordage/beacon/pkg/log"
	"github.com/cordage/beacon/pkg/metrics"
	"github.com/cordage/beacon/pkg/storage"
	"github.com/cordage/beacon/pkg/types"
)

// Config controls batching and failure handling.
type Config struct {
	// QueueDepth bounds the number of pending append requests.
	QueueDepth int
	// MaxBatch is the largest number of messages committed per transaction.
	MaxBatch int
	// FlushInterval is the longest a request waits before being flushed
	// even if MaxBatch hasn't been reached.
	FlushInterval time.Duration
	// MaxConsecutiveFailures is how many back-to-back commit failures are
	// tolerated before OnPersistentFailure is invoked.
	MaxConsecutiveFailures int
	// OnPersistentFailure is called once MaxConsecutiveFailures is reached,
	// typically to step the node down from leadership and mark it
	// read-only. May be nil.
	OnPersistentFailure func(error)
}

// DefaultConfig returns sane defaults for a single-node or small cluster.
func DefaultConfig() Config {
	return Config{
		QueueDepth:             1024,
		MaxBatch:               256,
		FlushInterval:          10 * time.Millisecond,
		MaxConsecutiveFailures: 5,
	}
}

type request struct {
	msg  *types.Message
	done chan error
}

// Queue is the single-writer append serializer.
type Queue struct {
	cfg   Config
	store storage.MessageStore

	reqCh chan request
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	healthy bool
}

// New creates a Queue writing through store. Call Start to begin draining.
func New(store storage.MessageStore, cfg Config) *Queue {
	return &Queue{
		cfg:     cfg,
		store:   store,
		reqCh:   make(chan request, cfg.QueueDepth),
		healthy: true,
	}
}

// Start launches the serializer goroutine. On ctx cancellation it commits
// the current batch plus any requests still buffered in the queue before
// returning.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop waits for the serializer goroutine to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.reqCh)
	q.wg.Wait()
}

// Healthy reports whether the queue has not yet hit MaxConsecutiveFailures.
func (q *Queue) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.healthy
}

// Append enqueues msg for durable storage and blocks until it has been
// committed (or the commit has permanently failed).
func (q *Queue) Append(ctx context.Context, msg *types.Message) error {
	req := request{msg: msg, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("write queue is closed")
	}
	q.mu.Unlock()

	select {
	case q.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	logger := log.WithComponent("writequeue")
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []request
	consecutiveFailures := 0

	flush := func() {
		if len(batch) == 0 {
			return
		}
		metrics.StorageWriteQueueDepth.Set(float64(len(q.reqCh)))

		timer := metrics.NewTimer()
		msgs := make([]*types.Message, len(batch))
		for i, r := range batch {
			msgs[i] = r.msg
		}

		err := q.commitWithBackoff(msgs)
		timer.ObserveDuration(metrics.StorageWriteDuration)

		for _, r := range batch {
			r.done <- err
		}
		batch = batch[:0]

		if err != nil {
			consecutiveFailures++
			metrics.StorageWriteFailuresTotal.Inc()
			logger.Error().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("failed to commit write batch")
			if consecutiveFailures >= q.cfg.MaxConsecutiveFailures {
				q.mu.Lock()
				q.healthy = false
				q.mu.Unlock()
				if q.cfg.OnPersistentFailure != nil {
					q.cfg.OnPersistentFailure(err)
				}
			}
		} else {
			consecutiveFailures = 0
			q.mu.Lock()
			q.healthy = true
			q.mu.Unlock()
		}
	}

	for {
		select {
		case req, ok := <-q.reqCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, req)
			if len(batch) >= q.cfg.MaxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case req, ok := <-q.reqCh:
					if ok {
						batch = append(batch, req)
						continue
					}
				default:
				}
				flush()
				return
			}
		}
	}
}

// commitWithBackoff attempts the batch commit, retrying a few times with
// exponential backoff before giving up and letting the caller count this
// flush as one failure toward the step-down threshold.
func (q *Queue) commitWithBackoff(msgs []*types.Message) error {
	const retries = 3
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if err = q.store.AppendBatch(msgs); err == nil {
			return nil
		}
		if attempt < retries-1 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("write batch failed after %d attempts: %w", retries, err)
}
