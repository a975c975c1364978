package peerforwarder

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/eventpipe/metric"
)

// HashRing is an immutable consistent hash ring. Each peer owns several
// positions (virtual nodes) so that adding or removing one peer only moves
// the keys next to its positions.
type HashRing struct {
	positions []uint64
	owners    []string
	peers     []string
}

// NewHashRing builds a ring. Duplicate and empty peers are ignored;
// virtualNodes below 1 means one position per peer.
func NewHashRing(peers []string, virtualNodes int) *HashRing {
	if virtualNodes < 1 {
		virtualNodes = 1
	}

	seen := make(map[string]struct{}, len(peers))
	unique := make([]string, 0, len(peers))
	for _, p := range peers {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	sort.Strings(unique)

	type vnode struct {
		pos  uint64
		peer string
	}
	vnodes := make([]vnode, 0, len(unique)*virtualNodes)
	for _, p := range unique {
		for i := 0; i < virtualNodes; i++ {
			vnodes = append(vnodes, vnode{pos: xxhash.Sum64String(p + "#" + strconv.Itoa(i)), peer: p})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool {
		if vnodes[i].pos != vnodes[j].pos {
			return vnodes[i].pos < vnodes[j].pos
		}
		return vnodes[i].peer < vnodes[j].peer
	})

	r := &HashRing{
		positions: make([]uint64, len(vnodes)),
		owners:    make([]string, len(vnodes)),
		peers:     unique,
	}
	for i, v := range vnodes {
		r.positions[i] = v.pos
		r.owners[i] = v.peer
	}
	return r
}

// OwnerFor returns the peer owning key: the first position at or after the
// key's hash, wrapping to the start. An empty ring has no owner.
func (r *HashRing) OwnerFor(key string) (string, bool) {
	if r == nil || len(r.positions) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= h })
	if i == len(r.positions) {
		i = 0
	}
	return r.owners[i], true
}

// Peers returns the distinct peers, sorted
func (r *HashRing) Peers() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.peers...)
}

// Size returns the number of peers
func (r *HashRing) Size() int {
	if r == nil {
		return 0
	}
	return len(r.peers)
}

// AffinityKey joins identification key values into a ring key
func AffinityKey(values []string) string {
	return strings.Join(values, "\x1f")
}

// Ring holds the current HashRing and swaps it wholesale when discovery
// reports a new peer set. Readers always see a complete snapshot.
type Ring struct {
	current      atomic.Pointer[HashRing]
	discovery    Discovery
	virtualNodes int
	logger       *slog.Logger
	metrics      *metric.Metrics
	onUpdate     func()
}

// NewRing creates a ring holder with an empty ring
func NewRing(discovery Discovery, virtualNodes int, logger *slog.Logger, metrics *metric.Metrics) *Ring {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Ring{
		discovery:    discovery,
		virtualNodes: virtualNodes,
		logger:       logger,
		metrics:      metrics,
	}
	r.current.Store(NewHashRing(nil, virtualNodes))
	return r
}

// Snapshot returns the current ring
func (r *Ring) Snapshot() *HashRing {
	return r.current.Load()
}

// OwnerFor looks key up in the current ring
func (r *Ring) OwnerFor(key string) (string, bool) {
	return r.Snapshot().OwnerFor(key)
}

// OnUpdate registers fn to run after every peer set change. Call it before
// Run.
func (r *Ring) OnUpdate(fn func()) {
	r.onUpdate = fn
}

// Update replaces the ring when peers differ from the current set
func (r *Ring) Update(peers []string) bool {
	next := NewHashRing(peers, r.virtualNodes)
	if samePeers(r.Snapshot().Peers(), next.Peers()) {
		return false
	}
	r.current.Store(next)
	if r.onUpdate != nil {
		r.onUpdate()
	}
	r.metrics.RecordRingSize(next.Size())
	r.logger.Info("Peer ring updated", "peers", next.Peers())
	return true
}

// Refresh asks discovery for the peer list and updates the ring. On error
// the previous ring stays in place.
func (r *Ring) Refresh(ctx context.Context) error {
	if r.discovery == nil {
		return nil
	}
	peers, err := r.discovery.CurrentPeers(ctx)
	if err != nil {
		return err
	}
	r.Update(peers)
	return nil
}

// Run refreshes the ring every interval until ctx is done
func (r *Ring) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("Peer discovery failed, keeping previous ring", "error", err)
			}
		}
	}
}

func samePeers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
