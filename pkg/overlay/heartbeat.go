// Heartbeat and idle (C8, spec.md §4.8), grounded on the teacher's RTT
// measurement (pkg/p2pnet/ping.go PingPeer/ComputePingStats) and the
// original implementation's idle-eviction scheduler
// (switch/src/channel/idle.rs), which sleeps until the next eviction
// boundary instead of polling on a fixed tight tick.
package overlay

import (
	"context"
	"net"
	"time"
)

// HeartbeatInterval is how often the active best route to each peer is
// pinged (§4.8).
const HeartbeatInterval = 5 * time.Second

// AllRoutesEvery is how many heartbeat ticks pass between pings that go
// out on every known route to a peer, not just the current best one —
// this is what lets a better (lower-metric) route get discovered and
// promoted once it starts answering again.
const AllRoutesEvery = 3

// IdleTimeout is the route inactivity threshold past which EvictIdle
// removes a route (§4.8, invariant I-3): twice the heartbeat interval.
const IdleTimeout = 2 * HeartbeatInterval

// ServerPingInterval is the cadence for pinging the rendezvous server
// itself, independent of peer heartbeats.
const ServerPingInterval = 10 * time.Second

// Heartbeater runs the periodic ping/idle-eviction tasks for one
// Context.
type Heartbeater struct {
	ctx       *Context
	sendPing  func(dst net.IP, key RouteKey, seq uint16) error
	server    *net.UDPAddr
	sendServerPing func() error
	tick      int
}

// NewHeartbeater builds a Heartbeater. sendPing transmits a Ping
// control frame to dst over the route identified by key; the caller
// supplies it so this package does not need to know about cipher
// selection or the actual socket write path.
func NewHeartbeater(ctx *Context, sendPing func(dst net.IP, key RouteKey, seq uint16) error,
	sendServerPing func() error) *Heartbeater {
	return &Heartbeater{ctx: ctx, sendPing: sendPing, sendServerPing: sendServerPing}
}

// Run drives the heartbeat, idle-eviction, and server-ping tasks until
// ctx is cancelled or the Context is stopped.
func (h *Heartbeater) Run(runCtx context.Context) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	serverPing := time.NewTicker(ServerPingInterval)
	defer serverPing.Stop()
	var seq uint16

	for {
		select {
		case <-runCtx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-serverPing.C:
			if h.sendServerPing != nil {
				if err := h.sendServerPing(); err != nil {
					h.ctx.Logger.Warn("server ping failed", "error", err)
				}
			}
		case <-heartbeat.C:
			h.tick++
			seq++
			h.pingTick(seq)
			h.evictIdle()
		}
	}
}

func (h *Heartbeater) pingTick(seq uint16) {
	everyRoute := h.tick%AllRoutesEvery == 0
	for _, peer := range h.ctx.Routes.Peers() {
		if everyRoute {
			for _, r := range h.ctx.Routes.Routes(peer) {
				h.pingOne(peer, r.Key, seq)
			}
			continue
		}
		if best := h.ctx.Routes.Best(peer); best != nil {
			h.pingOne(peer, best.Key, seq)
		}
	}
}

func (h *Heartbeater) pingOne(peer net.IP, key RouteKey, seq uint16) {
	if err := h.sendPing(peer, key, seq); err != nil {
		h.ctx.Logger.Debug("ping send failed", "peer", peer, "error", err)
	}
}

// OnPong records a measured RTT for the route a Pong arrived on, given
// the Ping's echoed low-16-bit send time and epoch.
func (h *Heartbeater) OnPong(peer net.IP, key RouteKey, sentAtLow16 uint16, now time.Time) {
	nowLow16 := uint16(now.UnixMilli())
	delta := nowLow16 - sentAtLow16 // wraps correctly: unsigned subtraction mod 2^16
	rtt := time.Duration(delta) * time.Millisecond
	h.ctx.Routes.UpdateRTT(peer, key, rtt, now)
	if h.ctx.Metrics != nil {
		h.ctx.Metrics.ObserveHeartbeatRTT(peer.String(), rtt.Seconds())
	}
}

// OnDataPacket refreshes the idle clock for the route a non-heartbeat
// packet arrived on, so a busy link never gets idle-evicted purely for
// lack of pings.
func (h *Heartbeater) OnDataPacket(peer net.IP, key RouteKey, now time.Time) {
	h.ctx.Routes.Touch(peer, key, now)
}

func (h *Heartbeater) evictIdle() {
	before := time.Now().Add(-IdleTimeout)
	emptied := h.ctx.Routes.EvictIdle(before)
	for _, peer := range emptied {
		h.ctx.Logger.Info("peer routeless after idle eviction", "peer", peer)
	}
}
