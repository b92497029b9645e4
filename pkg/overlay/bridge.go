// TUN bridge (C9, spec.md §4.9): egress from the local TUN device onto
// the overlay, and ingress from the overlay back onto TUN, including
// in-network routing (this node relaying for a peer it has a gateway
// relationship with) and broadcast expansion. Egress/ingress framing
// follows the teacher's reader-goroutine-dispatches-to-handler shape;
// the visited-list loop prevention and in-network relay condition are
// grounded directly on the original implementation's handling of
// Ipv4Broadcast and its single-gateway assumption.
package overlay

import (
	"net"
)

// PeerCipher resolves the Cipher for frames addressed to a given
// overlay virtual IP (derived from that peer's client-secret handshake,
// or the shared token if server_encrypt covers peer traffic too). The
// bridge keys every frame by its header's destination: the target peer
// when sending or relaying, this node when receiving.
type PeerCipher func(peer net.IP) (Cipher, error)

// Bridge wires a TunDevice to a Context's sockets and route table.
type Bridge struct {
	ctx          *Context
	tun          TunDevice
	peerCipher   PeerCipher
	serverCipher Cipher
	external     *ExternalRouteTable
	allow        *AllowList
	server       *net.UDPAddr
	serverSocket *Socket
}

// NewBridge builds a Bridge. external and allow may be nil (no
// configured in_ips / permit-all).
func NewBridge(ctx *Context, tun TunDevice, peerCipher PeerCipher, serverCipher Cipher,
	external *ExternalRouteTable, allow *AllowList, server *net.UDPAddr, serverSocket *Socket) *Bridge {
	return &Bridge{
		ctx: ctx, tun: tun, peerCipher: peerCipher, serverCipher: serverCipher,
		external: external, allow: allow, server: server, serverSocket: serverSocket,
	}
}

// destIPv4 extracts the destination address from an IPv4 header's
// standard offset (bytes 16-19), without validating the rest of the
// packet — the codec's job stops at "is this long enough to have a
// destination field".
func destIPv4(packet []byte) (net.IP, error) {
	if len(packet) < 20 {
		return nil, ErrSmallBuffer
	}
	return net.IPv4(packet[16], packet[17], packet[18], packet[19]), nil
}

const maxHops = 8

// RunEgress reads packets off tun until it returns an error (device
// closed) and routes each one onto the overlay.
func (b *Bridge) RunEgress() error {
	buf := make([]byte, b.tun.MTU()+HeaderLen+64)
	for {
		n, err := b.tun.Read(buf)
		if err != nil {
			return err
		}
		if err := b.egressOne(append([]byte(nil), buf[:n]...)); err != nil {
			b.ctx.Logger.Debug("egress packet dropped", "error", err)
		}
	}
}

func (b *Bridge) egressOne(packet []byte) error {
	device := b.ctx.Device.Load()
	if device == nil {
		return ErrUnknownPeer
	}
	dest, err := destIPv4(packet)
	if err != nil {
		return err
	}

	if device.Broadcast != nil && dest.Equal(device.Broadcast) {
		return b.sendBroadcast(device, packet, nil)
	}

	target := dest
	if !device.InNetwork(dest) {
		if b.external == nil {
			return ErrUnknownPeer
		}
		if hop := b.external.Route(dest); hop != nil {
			target = hop
		} else {
			return ErrUnknownPeer
		}
	}

	cipher, err := b.peerCipher(target)
	if err != nil {
		return err
	}
	header := NewHeader(ClassIPTurn, TurnIPv4, device.VirtualIP, target, maxHops)
	body, err := cipher.Encrypt(header, packet)
	if err != nil {
		return err
	}
	return b.sendToPeer(target, header, body)
}

// sendToPeer writes a frame to the best known direct route for target,
// or, if none exists, relays it through the rendezvous server (§4.9
// relay fallback: the server forwards an opaque IpTurn frame to a peer
// it knows is online, without needing to decrypt it).
func (b *Bridge) sendToPeer(target net.IP, header *PacketHeader, body []byte) error {
	frame := EncodeFrame(&Frame{Header: header, Body: body})
	if route := b.ctx.Routes.Best(target); route != nil {
		sock := b.ctx.Socket(route.Key.SocketIndex)
		if sock == nil {
			return ErrUnknownPeer
		}
		var addr *net.UDPAddr
		if !route.Key.IsTCP {
			addr, _ = net.ResolveUDPAddr("udp4", route.Key.RemoteAddr)
		}
		if b.ctx.Metrics != nil {
			b.ctx.Metrics.ObservePacket("egress", "ip-turn", len(frame))
		}
		return sock.WriteTo(frame, addr)
	}
	if b.serverSocket == nil {
		return ErrUnknownPeer
	}
	if b.ctx.Metrics != nil {
		b.ctx.Metrics.ObservePacket("egress-relay", "ip-turn", len(frame))
	}
	return b.serverSocket.WriteTo(frame, b.server)
}

// sendBroadcast encrypts packet once per neighbor-with-a-route and
// fans it out, marking this node visited so the same copy can't loop
// back (§4.9, invariant about broadcast termination).
func (b *Bridge) sendBroadcast(device *CurrentDevice, packet []byte, visited []net.IP) error {
	if containsIP(visited, device.VirtualIP) {
		return nil
	}
	visited = append(visited, device.VirtualIP)
	var firstErr error
	for _, peer := range b.ctx.Routes.Peers() {
		if containsIP(visited, peer) {
			continue
		}
		cipher, err := b.peerCipher(peer)
		if err != nil {
			firstErr = err
			continue
		}
		header := NewHeader(ClassIPTurn, TurnIPv4Broadcast, device.VirtualIP, peer, maxHops)
		body, err := EncodeBroadcastBody(visited, packet)
		if err != nil {
			firstErr = err
			continue
		}
		ct, err := cipher.Encrypt(header, body)
		if err != nil {
			firstErr = err
			continue
		}
		if err := b.sendToPeer(peer, header, ct); err != nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleInbound processes one decoded, still-encrypted IpTurn frame
// arriving from the overlay: authorizes its claimed source, decrypts,
// and either delivers it to TUN, relays it (in-network routing), or
// re-expands a broadcast.
func (b *Bridge) HandleInbound(frame *Frame, from RouteKey, viaServer bool) error {
	device := b.ctx.Device.Load()
	if device == nil {
		return ErrUnknownPeer
	}
	if !b.authorizeSource(frame.Header.SourceIP, from, viaServer) {
		return ErrUnauthorizedSource
	}

	cipher, err := b.peerCipher(frame.Header.DestIP)
	if err != nil {
		return err
	}
	plain, err := cipher.Decrypt(frame.Header, frame.Body)
	if err != nil {
		return err
	}

	switch frame.Header.SubProtocol {
	case TurnIPv4:
		return b.deliverOrRelay(device, frame.Header, plain)
	case TurnIPv4Broadcast:
		visited, inner, err := DecodeBroadcastBody(plain)
		if err != nil {
			return err
		}
		if !containsIP(visited, device.VirtualIP) {
			if _, werr := b.tun.Write(inner); werr != nil {
				b.ctx.Logger.Debug("tun write failed for broadcast payload", "error", werr)
			}
		}
		return b.sendBroadcast(device, inner, visited)
	default:
		return ErrUnimplemented
	}
}

// authorizeSource requires the claimed source to match a route we
// already track it under, or to have arrived relayed through the
// server (which already authenticated the sender during its own
// registration, §4.9).
func (b *Bridge) authorizeSource(source net.IP, from RouteKey, viaServer bool) bool {
	if viaServer {
		return true
	}
	for _, r := range b.ctx.Routes.Routes(source) {
		if r.Key == from {
			return true
		}
	}
	return false
}

func (b *Bridge) deliverOrRelay(device *CurrentDevice, header *PacketHeader, plain []byte) error {
	if header.DestIP.Equal(device.VirtualIP) {
		if innerDest, err := destIPv4(plain); err == nil && !device.InNetwork(innerDest) && !innerDest.Equal(device.VirtualIP) {
			// The frame was addressed to us as an external-route next-hop
			// (§4.10): the inner packet's real destination is outside the
			// overlay, and we're expected to forward it onto our own
			// external network only if that prefix is in our allow-list.
			if b.allow != nil && !b.allow.Allowed(innerDest) {
				return nil
			}
		}
		_, err := b.tun.Write(plain)
		return err
	}
	if !device.IsGateway() {
		return ErrUnknownPeer
	}
	if header.RemainingTTL == 0 {
		return ErrTTLExhausted
	}
	next := header.Decrement()
	cipher, err := b.peerCipher(header.DestIP)
	if err != nil {
		return err
	}
	body, err := cipher.Encrypt(&next, plain)
	if err != nil {
		return err
	}
	return b.sendToPeer(header.DestIP, &next, body)
}
