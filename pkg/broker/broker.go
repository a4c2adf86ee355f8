// Package broker ties together Raft consensus, durable storage and the
// single-writer persistence queue into the broadcaster a client
// connection talks to. It owns the in-memory subscriber registry; message
// bodies and peer roster live in pkg/storage and pkg/raftnode
// respectively.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordage/beacon/pkg/log"
	"github.com/cordage/beacon/pkg/membership"
	"github.com/cordage/beacon/pkg/metrics"
	"github.com/cordage/beacon/pkg/raftnode"
	"github.com/cordage/beacon/pkg/storage"
	"github.com/cordage/beacon/pkg/types"
	"github.com/cordage/beacon/pkg/writequeue"
)

// ErrNotLeader is returned by Publish when this node cannot accept writes.
type ErrNotLeader struct {
	LeaderAddr string
}

func (e *ErrNotLeader) Error() string {
	if e.LeaderAddr == "" {
		return "not leader: no leader elected yet"
	}
	return fmt.Sprintf("not leader: current leader is at %s", e.LeaderAddr)
}

const (
	subscriberQueueDepth = 64
	maxConsecutiveDrops  = 8
)

// subscriber is one client connection's mailbox for a topic.
type subscriber struct {
	id     string
	ch     chan *types.Message
	drops  int
	detach func()
}

// Broker fans published messages out to subscribed connections and guards
// writes behind Raft leadership.
type Broker struct {
	node  *raftnode.Node
	store storage.MessageStore
	queue *writequeue.Queue
	disc  membership.PeerDiscovery

	mu   sync.RWMutex
	subs map[string]map[string]*subscriber // topic -> connID -> subscriber
}

// New creates a Broker wired to the given Raft node, storage and write
// queue. disc may be nil if this node runs standalone. node may also be
// nil at construction time: the FSM's AppendFunc/NotifyFunc (obtained via
// Callbacks) must exist before the Raft node that owns the FSM can be
// constructed, so callers typically build the Broker first, build the
// raftnode.Node from its Callbacks, then finish wiring with SetNode.
func New(node *raftnode.Node, store storage.MessageStore, queue *writequeue.Queue, disc membership.PeerDiscovery) *Broker {
	return &Broker{
		node:  node,
		store: store,
		queue: queue,
		disc:  disc,
		subs:  make(map[string]map[string]*subscriber),
	}
}

// SetNode completes construction for the New(nil, ...) case described
// above, once the caller has built the raftnode.Node from this Broker's
// Callbacks.
func (b *Broker) SetNode(node *raftnode.Node) {
	b.node = node
}

// IsLeader reports whether this node currently holds Raft leadership.
func (b *Broker) IsLeader() bool {
	return b.node.IsLeader()
}

// ensureLeader rejects the caller with a leader hint when this node is not
// the Raft leader. Write operations call this first.
func (b *Broker) ensureLeader() error {
	if b.node.IsLeader() {
		return nil
	}
	return &ErrNotLeader{LeaderAddr: b.node.LeaderAddress()}
}

// Publish proposes a message through Raft. Once committed, the FSM's
// append/notify callbacks durably store it and fan it out to subscribers.
func (b *Broker) Publish(ctx context.Context, topic, format string, payload []byte) (*types.Message, error) {
	if err := b.ensureLeader(); err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	msg, err := b.node.Publish(topic, format, payload)
	timer.ObserveDurationVec(metrics.PublishDuration, topic)
	if err != nil {
		metrics.PublishesTotal.WithLabelValues(topic, "error").Inc()
		return nil, fmt.Errorf("publish failed: %w", err)
	}
	metrics.PublishesTotal.WithLabelValues(topic, "ok").Inc()
	return msg, nil
}

// onCommit is the raftnode.AppendFunc handed to the FSM: it durably
// persists a committed message via the write serializer. Apply runs
// synchronously inside Raft's single apply goroutine, so this blocks log
// application until the serializer accepts the message.
func (b *Broker) onCommit(msg *types.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.queue.Append(ctx, msg)
}

// onNotify is the raftnode.NotifyFunc handed to the FSM: it fans a
// committed message out to subscribers of its topic. Runs on every node,
// including followers, since each node's FSM applies the same log.
func (b *Broker) onNotify(msg *types.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subs[msg.Topic]
	if !ok {
		return
	}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
			sub.drops = 0
			metrics.MessagesDeliveredTotal.WithLabelValues(msg.Topic).Inc()
		default:
			// Queue full: drop the oldest buffered message to make room
			// for this one, rather than discarding the new arrival.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
			sub.drops++
			log.Warn(fmt.Sprintf("dropped oldest queued message for slow subscriber %s on topic %s", sub.id, msg.Topic))
			metrics.SubscriberDropsTotal.WithLabelValues(msg.Topic, "queue_full").Inc()
			if sub.drops >= maxConsecutiveDrops {
				log.Warn(fmt.Sprintf("detaching slow subscriber %s on topic %s", sub.id, msg.Topic))
				metrics.SubscriberDetachesTotal.Inc()
				go sub.detach()
			}
		}
	}
}

// Callbacks returns the AppendFunc/NotifyFunc pair the FSM should be
// constructed with.
func (b *Broker) Callbacks() (raftnode.AppendFunc, raftnode.NotifyFunc) {
	return b.onCommit, b.onNotify
}

// Subscribe registers connID's mailbox for topic and returns the channel
// messages will arrive on. Calling Unsubscribe or letting the channel's
// connection close releases it.
func (b *Broker) Subscribe(connID, topic string, detach func()) <-chan *types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscriber)
	}
	sub := &subscriber{
		id:     connID,
		ch:     make(chan *types.Message, subscriberQueueDepth),
		detach: detach,
	}
	b.subs[topic][connID] = sub
	metrics.SubscribersTotal.WithLabelValues(topic).Inc()
	return sub.ch
}

// Unsubscribe removes connID's mailbox for topic and closes its channel.
func (b *Broker) Unsubscribe(connID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[topic]
	if !ok {
		return
	}
	sub, ok := subs[connID]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	close(sub.ch)
	metrics.SubscribersTotal.WithLabelValues(topic).Dec()
}

// UnsubscribeAll removes connID's mailbox from every topic it was
// subscribed to, for use on connection close.
func (b *Broker) UnsubscribeAll(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		sub, ok := subs[connID]
		if !ok {
			continue
		}
		delete(subs, connID)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
		close(sub.ch)
		metrics.SubscribersTotal.WithLabelValues(topic).Dec()
	}
}

// SubscriberCount returns the number of active subscriptions across all
// topics, counting one per connection per topic.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

// TopicSubscriberCounts reports the number of subscribers per topic.
func (b *Broker) TopicSubscriberCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.subs))
	for topic, subs := range b.subs {
		out[topic] = len(subs)
	}
	return out
}

// ReadRange reads up to limit persisted messages for topic starting at
// sequence from, for clients replaying history after a reconnect.
func (b *Broker) ReadRange(topic string, from uint64, limit int) ([]*types.Message, error) {
	return b.store.ReadRange(topic, from, limit)
}

// Stats reports a snapshot of broker and Raft state for the admin API.
func (b *Broker) Stats() map[string]interface{} {
	stats := b.node.Stats()
	stats["subscriber_count"] = b.SubscriberCount()
	stats["topics"] = b.TopicSubscriberCounts()
	return stats
}

// JoinPeer proposes a membership change admitting peer to the cluster.
// Only the leader can accept joins.
func (b *Broker) JoinPeer(ctx context.Context, peer types.Peer) error {
	if err := b.ensureLeader(); err != nil {
		return err
	}
	if err := b.node.AddVoter(peer.NodeID, peer.RaftAddress); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return b.node.JoinPeer(peer)
}

// Self returns this node's own Peer descriptor, for Announce and for the
// /peer-info endpoint that membership.PortScanDiscovery polls.
func (b *Broker) Self(httpAddr, raftAddr, bindAddr string) types.Peer {
	return types.Peer{
		NodeID:      b.node.NodeID(),
		Address:     bindAddr,
		RaftAddress: raftAddr,
		HTTPAddress: httpAddr,
	}
}

// WatchMembership starts a goroutine that applies PeerDiscovery events to
// the Raft configuration: joins are proposed as voters when this node is
// leader, departures are left to the operator (Raft does not
// auto-remove an unreachable follower). It exits when ctx is cancelled.
func (b *Broker) WatchMembership(ctx context.Context) error {
	if b.disc == nil {
		return nil
	}
	events, err := b.disc.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch membership: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != membership.PeerJoined || !b.node.IsLeader() {
					continue
				}
				joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := b.JoinPeer(joinCtx, ev.Peer); err != nil {
					log.Warn(fmt.Sprintf("failed to admit discovered peer %s: %s", ev.Peer.NodeID, err.Error()))
				}
				cancel()
			}
		}
	}()
	return nil
}
