// Punch engine (C6, spec.md §4.6): the per-peer state machine driving
// NAT hole punching, grounded on the teacher's reconnect/backoff loop
// shape (pkg/p2pnet/peermanager.go ManagedPeer, backoffBase/backoffMax)
// and on the birthday-paradox port-prediction strategy for
// symmetric-symmetric pairs described in the original nat module.
package overlay

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PunchState is one peer's position in the punch state machine.
type PunchState int

const (
	PunchUnknown PunchState = iota
	PunchInfoPending
	PunchInfoReady
	PunchPunching
	PunchSucceeded
	PunchFailed
	PunchCooldown
)

func (s PunchState) String() string {
	switch s {
	case PunchUnknown:
		return "unknown"
	case PunchInfoPending:
		return "info-pending"
	case PunchInfoReady:
		return "info-ready"
	case PunchPunching:
		return "punching"
	case PunchSucceeded:
		return "succeeded"
	case PunchFailed:
		return "failed"
	case PunchCooldown:
		return "cooldown"
	default:
		return "invalid"
	}
}

const (
	punchCooldownBase = 5 * time.Second
	punchCooldownMax  = 2 * time.Minute
	// symmetricGuesses bounds the birthday-paradox port search: each
	// side fires this many datagrams across its predicted port window
	// rather than one per possible port (§4.6).
	symmetricGuesses = 16
)

// PeerPunch tracks one peer's punch attempt lifecycle.
type PeerPunch struct {
	mu       sync.Mutex
	state    PunchState
	attempts int
	nextTry  time.Time
	local    NatInfo
	remote   NatInfo
}

// NewPeerPunch starts a peer in PunchUnknown.
func NewPeerPunch() *PeerPunch {
	return &PeerPunch{state: PunchUnknown}
}

// State returns the current state.
func (p *PeerPunch) State() PunchState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetInfo records both sides' NatInfo once the PunchInfo exchange (§4.1
// OtherTurn) has completed, advancing to PunchInfoReady.
func (p *PeerPunch) SetInfo(local, remote NatInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local, p.remote = local, remote
	p.state = PunchInfoReady
}

// ReadyToTry reports whether now has passed any cooldown and the state
// permits starting a new punch attempt.
func (p *PeerPunch) ReadyToTry(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PunchInfoReady && p.state != PunchFailed && p.state != PunchCooldown {
		return false
	}
	return !now.Before(p.nextTry)
}

// BeginAttempt transitions to PunchPunching and returns the candidate
// addresses to send punch datagrams to, chosen by the strategy the two
// sides' NAT types select (§4.6).
func (p *PeerPunch) BeginAttempt() []*net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PunchPunching
	p.attempts++
	return punchCandidates(p.local, p.remote)
}

// Succeed records a confirmed route, ending the punch cycle.
func (p *PeerPunch) Succeed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PunchSucceeded
	p.attempts = 0
}

// Fail schedules the next retry with exponential backoff and jitter,
// mirroring the teacher's reconnect loop.
func (p *PeerPunch) Fail(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PunchCooldown
	backoff := punchCooldownBase * time.Duration(1<<uint(min(p.attempts, 6)))
	if backoff > punchCooldownMax {
		backoff = punchCooldownMax
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
	p.nextTry = now.Add(backoff + jitter)
}

// Reset returns the peer to PunchUnknown, e.g. after its route table
// goes fully empty (idle-evicted) and a fresh PunchInfo exchange is
// needed before punching again.
func (p *PeerPunch) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PunchUnknown
	p.attempts = 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// punchCandidates builds the UDP addresses to fire punch datagrams at,
// per the NAT-type-pair strategy (§4.6). A peer behind multiple public
// IPs (multi-homed, or observed differently by different STUN servers)
// gets candidates built against every one of remote.PublicIPs, not just
// the first:
//   - Cone-Cone: each of the peer's observed public endpoints is stable
//     and reachable; punch straight at every one of them.
//   - Cone-Symmetric: the cone side punches the symmetric side's
//     observed endpoints; the symmetric side punches the cone side's
//     observed endpoints directly, since the cone side's mapping does
//     not vary per destination. No port window is guessed in this case.
//   - Symmetric-Symmetric: neither side has a stable destination-
//     independent mapping, so both sides fire into a predicted port
//     range around their last observed port, for each observed IP (a
//     birthday-paradox argument: with N guesses on each side, the
//     chance some pair collides grows quadratically rather than
//     linearly with N).
func punchCandidates(local, remote NatInfo) []*net.UDPAddr {
	if len(remote.PublicIPs) == 0 {
		return nil
	}

	if remote.NatType == NATCone || local.NatType == NATCone {
		addrs := make([]*net.UDPAddr, 0, len(remote.PublicIPs))
		for _, ip := range remote.PublicIPs {
			addrs = append(addrs, &net.UDPAddr{IP: ip, Port: int(remote.PublicPort)})
		}
		return addrs
	}

	// Symmetric-symmetric: guess a window of ports around the last
	// observed mapping, sized by the peer's reported PortRange hint,
	// repeated for every observed public IP.
	window := int(remote.PortRange)
	if window < symmetricGuesses {
		window = symmetricGuesses
	}
	base := int(remote.PublicPort) - window/2
	step := window / symmetricGuesses
	if step < 1 {
		step = 1
	}
	addrs := make([]*net.UDPAddr, 0, symmetricGuesses*len(remote.PublicIPs))
	for _, ip := range remote.PublicIPs {
		for i := 0; i < symmetricGuesses; i++ {
			port := base + i*step
			if port < 1 || port > 65535 {
				continue
			}
			addrs = append(addrs, &net.UDPAddr{IP: ip, Port: port})
		}
	}
	return addrs
}

// StrategyFor names the strategy punchCandidates applies, for metrics
// labeling and logs.
func StrategyFor(local, remote NatInfo) string {
	switch {
	case local.NatType == NATCone && remote.NatType == NATCone:
		return "cone-cone"
	case local.NatType == NATSymmetric && remote.NatType == NATSymmetric:
		return "symmetric-symmetric"
	default:
		return "cone-symmetric"
	}
}

// PunchTable owns one PeerPunch per peer virtual IP.
type PunchTable struct {
	mu    sync.Mutex
	peers map[string]*PeerPunch
}

// NewPunchTable builds an empty table.
func NewPunchTable() *PunchTable {
	return &PunchTable{peers: make(map[string]*PeerPunch)}
}

// Get returns (creating if absent) the PeerPunch for ip.
func (t *PunchTable) Get(ip net.IP) *PeerPunch {
	key := ip.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if !ok {
		p = NewPeerPunch()
		t.peers[key] = p
	}
	return p
}

// Remove drops a peer's punch state entirely, e.g. when the server's
// device list push no longer lists it.
func (t *PunchTable) Remove(ip net.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, ip.String())
}

// Peers returns every virtual IP this table currently tracks.
func (t *PunchTable) Peers() []net.IP {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]net.IP, 0, len(t.peers))
	for k := range t.peers {
		out = append(out, net.ParseIP(k))
	}
	return out
}

// maxPunchRatePerSecond bounds outbound punch datagrams to roughly 600
// attempts distributed across one heartbeat interval (§4.6), so a
// symmetric-symmetric pair's guessed-port fan-out can't itself look like
// a port scan.
const maxPunchRatePerSecond = 600.0 / 5.0

// PunchDriver periodically advances every peer's punch state machine,
// rate-limiting the datagrams it sends with golang.org/x/time/rate —
// the same bursty-but-bounded shape the original's per-tick hole-punch
// loop uses, expressed as a token bucket instead of a hand-rolled
// counter.
type PunchDriver struct {
	ctx     *Context
	table   *PunchTable
	limiter *rate.Limiter
	sendTo  func(addr *net.UDPAddr, body []byte) error
}

// NewPunchDriver builds a driver. sendTo transmits one punch datagram
// to addr; its body is opaque to this package (a Control-class
// PunchRequest frame the caller has already encoded).
func NewPunchDriver(ctx *Context, table *PunchTable, sendTo func(addr *net.UDPAddr, body []byte) error) *PunchDriver {
	return &PunchDriver{
		ctx:     ctx,
		table:   table,
		limiter: rate.NewLimiter(rate.Limit(maxPunchRatePerSecond), int(maxPunchRatePerSecond)),
		sendTo:  sendTo,
	}
}

// Tick scans every tracked peer once, firing a punch attempt at any
// peer whose cooldown has elapsed and whose NatInfo exchange completed.
func (d *PunchDriver) Tick(ctx context.Context, now time.Time, body []byte) {
	for _, peer := range d.table.Peers() {
		p := d.table.Get(peer)
		if !p.ReadyToTry(now) {
			continue
		}
		strategy := StrategyFor(p.local, p.remote)
		addrs := p.BeginAttempt()
		sent := false
		for _, addr := range addrs {
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			if err := d.sendTo(addr, body); err == nil {
				sent = true
			}
		}
		if d.ctx.Metrics != nil {
			d.ctx.Metrics.ObservePunch(strategy, sent, 0)
		}
		if !sent {
			p.Fail(now)
		}
	}
}
