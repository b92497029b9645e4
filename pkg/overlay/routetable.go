// Route table (C5, spec.md §4.5), grounded on the original Rust
// implementation's channel/mod.rs Route/RouteKey/RouteSortKey shapes and
// on the teacher's sync.RWMutex-guarded map style (pkg/p2pnet/pathtracker.go).
package overlay

import (
	"net"
	"sort"
	"sync"
	"time"
)

// RouteKey identifies one physical path to a peer: which socket it goes
// out on and the remote address on that socket. is_tcp distinguishes
// the (rare) TCP fallback socket from UDP sockets sharing a socket_index
// space (§4.5).
type RouteKey struct {
	IsTCP        bool
	SocketIndex  int
	RemoteAddr   string // net.UDPAddr.String() / net.TCPAddr.String()
}

// Route is one entry in a peer's candidate path set.
type Route struct {
	Key        RouteKey
	Metric     int // hop count inferred from header ttl delta, 1 = direct
	RTTMillis  int64
	lastRead   time.Time
}

// routeLess orders a before b by (metric, rtt) unless firstLatency is
// set, in which case rtt alone decides (§4.5). routeKeyLess breaks ties
// on the route key itself so Best is deterministic and never flaps
// between two paths that happen to carry the same metric and rtt.
func routeLess(a, b *Route, firstLatency bool) bool {
	if firstLatency {
		if a.RTTMillis != b.RTTMillis {
			return a.RTTMillis < b.RTTMillis
		}
		return routeKeyLess(a.Key, b.Key)
	}
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	if a.RTTMillis != b.RTTMillis {
		return a.RTTMillis < b.RTTMillis
	}
	return routeKeyLess(a.Key, b.Key)
}

// routeKeyLess imposes a total order over RouteKey so ties in the
// primary ordering resolve the same way every time, regardless of map
// iteration order.
func routeKeyLess(a, b RouteKey) bool {
	if a.IsTCP != b.IsTCP {
		return !a.IsTCP
	}
	if a.SocketIndex != b.SocketIndex {
		return a.SocketIndex < b.SocketIndex
	}
	return a.RemoteAddr < b.RemoteAddr
}

// PeerRoutes holds every known path to one peer; All returns them sorted
// best-first.
type PeerRoutes struct {
	mu     sync.RWMutex
	routes map[RouteKey]*Route
}

func newPeerRoutes() *PeerRoutes {
	return &PeerRoutes{routes: make(map[RouteKey]*Route)}
}

// Upsert records or refreshes a route, stamping lastRead to now.
func (p *PeerRoutes) Upsert(key RouteKey, metric int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[key]
	if !ok {
		r = &Route{Key: key}
		p.routes[key] = r
	}
	r.Metric = metric
	r.lastRead = now
}

// UpdateRTT records a measured round-trip time for key, if key exists.
func (p *PeerRoutes) UpdateRTT(key RouteKey, rtt time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[key]; ok {
		r.RTTMillis = rtt.Milliseconds()
		r.lastRead = now
	}
}

// Touch stamps lastRead for key without changing metric/rtt, used on
// every inbound data packet so idle eviction only fires on true silence.
func (p *PeerRoutes) Touch(key RouteKey, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[key]; ok {
		r.lastRead = now
	}
}

// Best returns the current best route by the active ordering, or nil if
// there are none.
func (p *PeerRoutes) Best(firstLatency bool) *Route {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best *Route
	for _, r := range p.routes {
		if best == nil || routeLess(r, best, firstLatency) {
			cp := *r
			best = &cp
		}
	}
	return best
}

// All returns a snapshot of every route, sorted best-first.
func (p *PeerRoutes) All(firstLatency bool) []Route {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Route, 0, len(p.routes))
	for _, r := range p.routes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return routeLess(&out[i], &out[j], firstLatency) })
	return out
}

// EvictIdle removes routes whose lastRead is older than before, returning
// the evicted keys. Called by the idle task at 2x the heartbeat interval
// (§4.8, invariant I-3).
func (p *PeerRoutes) EvictIdle(before time.Time) []RouteKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	var evicted []RouteKey
	for k, r := range p.routes {
		if r.lastRead.Before(before) {
			delete(p.routes, k)
			evicted = append(evicted, k)
		}
	}
	return evicted
}

// Empty reports whether no routes remain for this peer.
func (p *PeerRoutes) Empty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.routes) == 0
}

// RouteTable is the full set of known peers, each with its own
// PeerRoutes, keyed by virtual IP (§4.5).
type RouteTable struct {
	mu           sync.RWMutex
	peers        map[string]*PeerRoutes // key: ip.String()
	firstLatency bool
}

// NewRouteTable builds an empty table. firstLatency selects the
// RTT-only ordering mode (§6 config key `first_latency`).
func NewRouteTable(firstLatency bool) *RouteTable {
	return &RouteTable{peers: make(map[string]*PeerRoutes), firstLatency: firstLatency}
}

func (t *RouteTable) peerFor(ip net.IP, create bool) *PeerRoutes {
	key := ip.String()
	t.mu.RLock()
	p, ok := t.peers[key]
	t.mu.RUnlock()
	if ok || !create {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[key]; ok {
		return p
	}
	p = newPeerRoutes()
	t.peers[key] = p
	return p
}

// Upsert records a route to peer ip.
func (t *RouteTable) Upsert(ip net.IP, key RouteKey, metric int, now time.Time) {
	t.peerFor(ip, true).Upsert(key, metric, now)
}

// UpdateRTT records measured RTT for a peer's route.
func (t *RouteTable) UpdateRTT(ip net.IP, key RouteKey, rtt time.Duration, now time.Time) {
	if p := t.peerFor(ip, false); p != nil {
		p.UpdateRTT(key, rtt, now)
	}
}

// Touch refreshes lastRead for an inbound data packet's route.
func (t *RouteTable) Touch(ip net.IP, key RouteKey, now time.Time) {
	if p := t.peerFor(ip, false); p != nil {
		p.Touch(key, now)
	}
}

// Best returns the current best route to ip, or nil if ip is unknown or
// routeless.
func (t *RouteTable) Best(ip net.IP) *Route {
	p := t.peerFor(ip, false)
	if p == nil {
		return nil
	}
	return p.Best(t.firstLatency)
}

// Routes returns every known route to ip, best-first.
func (t *RouteTable) Routes(ip net.IP) []Route {
	p := t.peerFor(ip, false)
	if p == nil {
		return nil
	}
	return p.All(t.firstLatency)
}

// Peers returns every virtual IP the table currently tracks.
func (t *RouteTable) Peers() []net.IP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]net.IP, 0, len(t.peers))
	for k := range t.peers {
		out = append(out, net.ParseIP(k))
	}
	return out
}

// EvictIdle sweeps every peer's routes, dropping routes idle since
// before, and removing peers left with none. Returns the set of peers
// that went fully routeless.
func (t *RouteTable) EvictIdle(before time.Time) []net.IP {
	t.mu.Lock()
	defer t.mu.Unlock()
	var emptied []net.IP
	for k, p := range t.peers {
		p.EvictIdle(before)
		if p.Empty() {
			delete(t.peers, k)
			emptied = append(emptied, net.ParseIP(k))
		}
	}
	return emptied
}
