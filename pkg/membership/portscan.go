package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cordage/beacon/pkg/types"
)

// tcpDialable reports whether addr accepts a TCP connection within
// timeout. Used to skip the HTTP fetch for candidates that aren't even
// listening.
func tcpDialable(ctx context.Context, addr string, timeout time.Duration) bool {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// PortScanDiscovery finds peers by TCP-probing a fixed list of candidate
// admin addresses and, for each that answers, fetching its peer
// descriptor over HTTP. Suited to small, address-known clusters where
// running a full gossip protocol would be overkill.
type PortScanDiscovery struct {
	candidates []string // host:port admin addresses to probe
	interval   time.Duration
	client     *http.Client

	mu    sync.Mutex
	known map[string]types.Peer
}

// NewPortScanDiscovery creates a scanner over the given candidate admin
// addresses.
func NewPortScanDiscovery(candidates []string, interval time.Duration) *PortScanDiscovery {
	return &PortScanDiscovery{
		candidates: candidates,
		interval:   interval,
		client:     &http.Client{Timeout: 2 * time.Second},
		known:      make(map[string]types.Peer),
	}
}

// Discover probes every candidate and returns the peers that responded.
func (d *PortScanDiscovery) Discover(ctx context.Context) ([]types.Peer, error) {
	var mu sync.Mutex
	var peers []types.Peer
	var wg sync.WaitGroup

	for _, addr := range d.candidates {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if !tcpDialable(ctx, addr, 1*time.Second) {
				return
			}

			peer, err := d.fetchPeerInfo(ctx, addr)
			if err != nil {
				return
			}

			mu.Lock()
			peers = append(peers, peer)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	return peers, nil
}

func (d *PortScanDiscovery) fetchPeerInfo(ctx context.Context, addr string) (types.Peer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/peer-info", addr), nil)
	if err != nil {
		return types.Peer{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return types.Peer{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Peer{}, fmt.Errorf("peer-info returned status %d", resp.StatusCode)
	}

	var peer types.Peer
	if err := json.NewDecoder(resp.Body).Decode(&peer); err != nil {
		return types.Peer{}, err
	}
	return peer, nil
}

// Announce is a no-op for port-scan discovery: there is nothing to
// register with, other nodes find this one by scanning.
func (d *PortScanDiscovery) Announce(ctx context.Context, self types.Peer) error {
	return nil
}

// Watch polls Discover on an interval and emits join/leave events as the
// known peer set changes.
func (d *PortScanDiscovery) Watch(ctx context.Context) (<-chan PeerEvent, error) {
	events := make(chan PeerEvent, 16)

	go func() {
		defer close(events)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.pollOnce(ctx, events)
			}
		}
	}()

	return events, nil
}

func (d *PortScanDiscovery) pollOnce(ctx context.Context, events chan<- PeerEvent) {
	current, err := d.Discover(ctx)
	if err != nil {
		return
	}

	seen := make(map[string]types.Peer, len(current))
	for _, p := range current {
		seen[p.NodeID] = p
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, p := range seen {
		if _, ok := d.known[id]; !ok {
			events <- PeerEvent{Kind: PeerJoined, Peer: p}
		}
	}
	for id, p := range d.known {
		if _, ok := seen[id]; !ok {
			events <- PeerEvent{Kind: PeerLeft, Peer: p}
		}
	}
	d.known = seen
}

// Close releases resources. PortScanDiscovery holds none beyond its HTTP
// client, which needs no explicit teardown.
func (d *PortScanDiscovery) Close() error {
	return nil
}
