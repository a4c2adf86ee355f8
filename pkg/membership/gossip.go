package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/cordage/beacon/pkg/types"
	"github.com/hashicorp/serf/serf"
)

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

// GossipDiscovery uses hashicorp/serf's membership gossip protocol, suited
// to clusters too large or too dynamic for a fixed candidate list.
type GossipDiscovery struct {
	serf    *serf.Serf
	eventCh chan serf.Event
}

// GossipConfig configures the underlying serf agent.
type GossipConfig struct {
	NodeID    string
	BindAddr  string // host:port for the gossip protocol
	LogOutput io.Writer
}

// NewGossipDiscovery starts a serf agent bound to cfg.BindAddr.
func NewGossipDiscovery(cfg GossipConfig) (*GossipDiscovery, error) {
	eventCh := make(chan serf.Event, 256)

	conf := serf.DefaultConfig()
	conf.NodeName = cfg.NodeID
	conf.EventCh = eventCh
	if cfg.LogOutput != nil {
		conf.LogOutput = cfg.LogOutput
		conf.MemberlistConfig.LogOutput = cfg.LogOutput
	}

	host, port, err := splitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip bind address: %w", err)
	}
	conf.MemberlistConfig.BindAddr = host
	conf.MemberlistConfig.BindPort = port

	s, err := serf.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to start serf: %w", err)
	}

	return &GossipDiscovery{serf: s, eventCh: eventCh}, nil
}

// Discover returns the current live membership, decoding each member's
// Peer descriptor from its gossip tags.
func (g *GossipDiscovery) Discover(ctx context.Context) ([]types.Peer, error) {
	var peers []types.Peer
	for _, m := range g.serf.Members() {
		if m.Status != serf.StatusAlive {
			continue
		}
		peer, ok := peerFromTags(m.Tags)
		if !ok {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Announce publishes self's descriptor as member tags so other nodes can
// Discover it. It contacts no other node; joining the gossip ring is done
// separately through Join.
func (g *GossipDiscovery) Announce(ctx context.Context, self types.Peer) error {
	tags, err := tagsFromPeer(self)
	if err != nil {
		return err
	}
	return g.serf.SetTags(tags)
}

// Join contacts existing cluster members to merge gossip state. addrs are
// host:port gossip addresses of already-running nodes.
func (g *GossipDiscovery) Join(addrs []string) error {
	_, err := g.serf.Join(addrs, true)
	return err
}

// Watch translates serf's member-event stream into PeerEvents.
func (g *GossipDiscovery) Watch(ctx context.Context) (<-chan PeerEvent, error) {
	out := make(chan PeerEvent, 16)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-g.eventCh:
				if !ok {
					return
				}
				memberEv, ok := ev.(serf.MemberEvent)
				if !ok {
					continue
				}
				kind := PeerJoined
				if memberEv.EventType() == serf.EventMemberLeave || memberEv.EventType() == serf.EventMemberFailed {
					kind = PeerLeft
				}
				for _, m := range memberEv.Members {
					peer, ok := peerFromTags(m.Tags)
					if !ok {
						continue
					}
					out <- PeerEvent{Kind: kind, Peer: peer}
				}
			}
		}
	}()

	return out, nil
}

// Close leaves the gossip ring and shuts down the serf agent.
func (g *GossipDiscovery) Close() error {
	if err := g.serf.Leave(); err != nil {
		return err
	}
	return g.serf.Shutdown()
}

func tagsFromPeer(p types.Peer) (map[string]string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal peer tags: %w", err)
	}
	return map[string]string{"peer": string(data)}, nil
}

func peerFromTags(tags map[string]string) (types.Peer, bool) {
	raw, ok := tags["peer"]
	if !ok {
		return types.Peer{}, false
	}
	var p types.Peer
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return types.Peer{}, false
	}
	return p, true
}
