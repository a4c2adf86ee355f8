package storage

import "github.com/cordage/beacon/pkg/types"

// MessageStore defines the durable log store interface. Writes are expected
// to be funneled through a single writer (see pkg/writequeue); the store
// itself does not serialize callers.
type MessageStore interface {
	// Append writes msg at the end of its topic's log. Sequence must already
	// be assigned by the caller (the Raft leader at apply time).
	Append(msg *types.Message) error

	// AppendBatch writes multiple messages in one transaction.
	AppendBatch(msgs []*types.Message) error

	// ReadRange returns up to limit messages for topic starting at
	// sequence >= from, in ascending sequence order.
	ReadRange(topic string, from uint64, limit int) ([]*types.Message, error)

	// LastSequence returns the highest sequence number stored for topic, or
	// 0 if the topic has no messages yet.
	LastSequence(topic string) (uint64, error)

	// Topics returns the distinct set of topics with at least one message.
	Topics() ([]string, error)

	// SaveSubscriptions persists a snapshot of the current subscriber
	// registry for operator introspection after a restart.
	SaveSubscriptions(subs []*types.Subscription) error

	// ListSubscriptions returns the last saved subscriber snapshot.
	ListSubscriptions() ([]*types.Subscription, error)

	Close() error
}
