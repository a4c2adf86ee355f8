package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cordage/beacon/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages     = []byte("messages")
	bucketSubscription = []byte("subscriptions")
	subscriptionKey    = []byte("snapshot")
)

// BoltStore implements MessageStore using a single per-node BoltDB file.
// Messages are kept in one sub-bucket per topic, keyed by an 8-byte
// big-endian sequence number so Cursor() iteration returns them in order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the message database for a node.
// The file is named messages_node_<id>.db so multiple nodes can share a
// data directory during local testing.
func NewBoltStore(dataDir, nodeID string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, fmt.Sprintf("messages_node_%s.db", nodeID))

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMessages, err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSubscription); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketSubscription, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Append writes msg at the end of its topic's log.
func (s *BoltStore) Append(msg *types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putMessage(tx, msg)
	})
}

// AppendBatch writes multiple messages in a single transaction, used by the
// write serializer to amortize fsync cost across a batch.
func (s *BoltStore) AppendBatch(msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, msg := range msgs {
			if err := putMessage(tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func putMessage(tx *bolt.Tx, msg *types.Message) error {
	topics := tx.Bucket(bucketMessages)
	b, err := topics.CreateBucketIfNotExists([]byte(msg.Topic))
	if err != nil {
		return fmt.Errorf("failed to create topic bucket %s: %w", msg.Topic, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.Put(seqKey(msg.Sequence), data)
}

// ReadRange returns up to limit messages for topic with sequence >= from.
func (s *BoltStore) ReadRange(topic string, from uint64, limit int) ([]*types.Message, error) {
	var out []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		topics := tx.Bucket(bucketMessages)
		b := topics.Bucket([]byte(topic))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			out = append(out, &msg)
		}
		return nil
	})
	return out, err
}

// LastSequence returns the highest stored sequence number for topic.
func (s *BoltStore) LastSequence(topic string) (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		topics := tx.Bucket(bucketMessages)
		b := topics.Bucket([]byte(topic))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k == nil {
			return nil
		}
		last = binary.BigEndian.Uint64(k)
		return nil
	})
	return last, err
}

// Topics returns the distinct set of topics with at least one message.
func (s *BoltStore) Topics() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		topics := tx.Bucket(bucketMessages)
		return topics.ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket, not a direct key/value pair
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

// SaveSubscriptions persists a snapshot of the subscriber registry.
func (s *BoltStore) SaveSubscriptions(subs []*types.Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscription)
		data, err := json.Marshal(subs)
		if err != nil {
			return fmt.Errorf("failed to marshal subscriptions: %w", err)
		}
		return b.Put(subscriptionKey, data)
	})
}

// ListSubscriptions returns the last saved subscriber snapshot.
func (s *BoltStore) ListSubscriptions() ([]*types.Subscription, error) {
	var subs []*types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscription)
		data := b.Get(subscriptionKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &subs)
	})
	return subs, err
}
