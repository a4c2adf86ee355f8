// Package membership discovers other broker nodes. The original ad-hoc
// port scan is generalized here into a pluggable PeerDiscovery interface
// so a cluster can choose between a simple scan of a fixed address range
// and gossip-based discovery as it grows.
package membership

import (
	"context"

	"github.com/cordage/beacon/pkg/types"
)

// EventKind distinguishes the two kinds of membership change a watcher can
// observe.
type EventKind string

const (
	PeerJoined EventKind = "joined"
	PeerLeft   EventKind = "left"
)

// PeerEvent is delivered on a PeerDiscovery's Watch channel.
type PeerEvent struct {
	Kind EventKind
	Peer types.Peer
}

// PeerDiscovery abstracts how a node learns about the rest of the cluster.
type PeerDiscovery interface {
	// Discover returns the currently known set of peers.
	Discover(ctx context.Context) ([]types.Peer, error)

	// Announce makes self visible to other nodes using this discovery
	// mechanism.
	Announce(ctx context.Context, self types.Peer) error

	// Watch returns a channel of membership change events. The channel is
	// closed when ctx is cancelled.
	Watch(ctx context.Context) (<-chan PeerEvent, error)

	// Close releases any resources held by the discovery mechanism.
	Close() error
}
