/*
Package storage provides BoltDB-backed durable storage for a single node's
message log.

Each node owns one database file, messages_node_<id>.db, with one
sub-bucket per topic so that a topic's messages sort contiguously under a
big-endian sequence key. All writes are expected to arrive through
pkg/writequeue's single-writer serializer rather than directly from
multiple goroutines. BoltDB allows only one writer transaction at a time,
so concurrent callers would otherwise simply queue behind bbolt's own lock
with no batching benefit.

# Transaction model

Reads use db.View for concurrent, consistent snapshots. Writes use
db.Update, which commits atomically and fsyncs before returning. There is
no log compaction. A topic's bucket grows without bound for the lifetime
of the database; truncation or retention policy is not part of this
package.

# Subscriptions bucket

A second bucket holds the most recent subscriber-registry snapshot passed
to SaveSubscriptions, so an operator can inspect who was connected before
a restart. Nothing in this module calls SaveSubscriptions, so the bucket
stays empty unless a caller writes it. It plays no part in delivery, which
is tracked in memory by pkg/broker.
*/
package storage
