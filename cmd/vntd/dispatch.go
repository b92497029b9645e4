// Post-registration frame dispatch: routes every decoded frame a socket
// reader goroutine hands it to the component that owns that
// sub-protocol (bridge, heartbeat, registrar, punch table), the piece
// run() previously left unbuilt. Style mirrors the teacher's
// handler-per-class dispatch in cmd/shurli/main.go.
package main

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shurlinet/vnt/pkg/overlay"
)

// frameRouter feeds inbound frames to the registrar's recv channel
// while registration is in flight, then switches to live dispatch once
// goLive is called — the same reader goroutines serve both phases, so
// there is exactly one place a frame can get silently dropped instead
// of two buffering stages racing each other.
type frameRouter struct {
	recv chan *overlay.Frame

	mu   sync.Mutex
	live func(f *overlay.Frame, from overlay.RouteKey, addr *net.UDPAddr)
}

func newFrameRouter() *frameRouter {
	return &frameRouter{recv: make(chan *overlay.Frame, 64)}
}

func (r *frameRouter) goLive(fn func(f *overlay.Frame, from overlay.RouteKey, addr *net.UDPAddr)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = fn
}

func (r *frameRouter) handle(f *overlay.Frame, from overlay.RouteKey, addr *net.UDPAddr) {
	r.mu.Lock()
	live := r.live
	r.mu.Unlock()
	if live != nil {
		live(f, from, addr)
		return
	}
	select {
	case r.recv <- f:
	default:
		slog.Debug("vntd: dropping frame, registration receive queue full")
	}
}

// dispatcher routes every post-registration frame to its owning
// component.
type dispatcher struct {
	octx       *overlay.Context
	bridge     *overlay.Bridge
	heartbeat  *overlay.Heartbeater
	registrar  *overlay.Registrar
	punchTable *overlay.PunchTable
	server     *net.UDPAddr
}

func (d *dispatcher) handle(f *overlay.Frame, from overlay.RouteKey, addr *net.UDPAddr) {
	viaServer := addr != nil && d.server != nil && addr.String() == d.server.String()

	switch f.Header.Class {
	case overlay.ClassIPTurn:
		if err := d.bridge.HandleInbound(f, from, viaServer); err != nil {
			d.octx.Logger.Debug("inbound ip-turn dropped", "error", err, "from", f.Header.SourceIP)
		}
	case overlay.ClassControl:
		d.handleControl(f, from)
	case overlay.ClassService:
		d.handleService(f)
	case overlay.ClassOtherTurn:
		d.handleOtherTurn(f, from)
	case overlay.ClassError:
		if fatal := overlay.ClassifyErrorCode(overlay.ErrorCode(f.Header.SubProtocol)); fatal != nil {
			d.octx.Logger.Error("vntd: fatal error reported by server", "error", fatal)
		}
	}
}

func (d *dispatcher) handleControl(f *overlay.Frame, from overlay.RouteKey) {
	peer := f.Header.SourceIP
	switch f.Header.SubProtocol {
	case overlay.CtrlPing:
		d.heartbeat.OnDataPacket(peer, from, time.Now())
		d.replyPong(f, from)
	case overlay.CtrlPong:
		timeLow16, _, err := overlay.DecodePingBody(f.Body)
		if err != nil {
			d.octx.Logger.Debug("malformed pong body", "error", err)
			return
		}
		d.heartbeat.OnPong(peer, from, timeLow16, time.Now())
	case overlay.CtrlAddrResponse:
		info, err := overlay.DecodePunchInfo(f.Body)
		if err != nil {
			d.octx.Logger.Debug("malformed addr response", "error", err)
			return
		}
		remote := overlay.NatInfo{
			PublicIPs:  info.PublicIPs,
			PublicPort: info.PublicPort,
			PortRange:  info.PortRange,
			LocalIPv4:  info.LocalIPv4,
			LocalPort:  info.LocalPort,
			NatType:    info.NatType,
			IPv6Addr:   info.IPv6Addr,
		}
		var local overlay.NatInfo
		if nat := d.octx.NAT.Load(); nat != nil {
			local = *nat
		}
		d.punchTable.Get(peer).SetInfo(local, remote)
	}
}

func (d *dispatcher) replyPong(f *overlay.Frame, from overlay.RouteKey) {
	device := d.octx.Device.Load()
	if device == nil {
		return
	}
	header := overlay.NewHeader(overlay.ClassControl, overlay.CtrlPong, device.VirtualIP, f.Header.SourceIP, 1)
	if err := writeFrame(d.octx, from, header, f.Body); err != nil {
		d.octx.Logger.Debug("pong reply failed", "error", err)
	}
}

func (d *dispatcher) handleService(f *overlay.Frame) {
	if f.Header.SubProtocol == overlay.SvcPushDeviceList {
		if err := d.registrar.HandlePushDeviceList(f.Body); err != nil {
			d.octx.Logger.Debug("malformed device list push", "error", err)
		}
	}
}

// handleOtherTurn treats an arriving punch datagram as proof the hole
// is open: it records a direct route on the path it arrived on and
// marks the punch state machine succeeded, without waiting for the
// punch driver's own attempt to be acknowledged some other way.
func (d *dispatcher) handleOtherTurn(f *overlay.Frame, from overlay.RouteKey) {
	if f.Header.SubProtocol != overlay.OtherTurnPunch {
		return
	}
	peer := f.Header.SourceIP
	d.octx.Routes.Upsert(peer, from, 1, time.Now())
	d.punchTable.Get(peer).Succeed()
	d.octx.Logger.Info("vntd: punch succeeded", "peer", peer, "via", from.RemoteAddr)
}

// writeFrame encodes and sends a frame along the physical path key
// names, resolving the socket and (for UDP) the remote address from
// the Context the way Bridge.sendToPeer does.
func writeFrame(octx *overlay.Context, key overlay.RouteKey, header *overlay.PacketHeader, body []byte) error {
	sock := octx.Socket(key.SocketIndex)
	if sock == nil {
		return overlay.ErrUnknownPeer
	}
	var addr *net.UDPAddr
	if !key.IsTCP {
		var err error
		addr, err = net.ResolveUDPAddr("udp4", key.RemoteAddr)
		if err != nil {
			return err
		}
	}
	frame := overlay.EncodeFrame(&overlay.Frame{Header: header, Body: body})
	return sock.WriteTo(frame, addr)
}
