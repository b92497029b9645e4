package overlay

import (
	"errors"
	"net"
	"testing"
	"time"
)

type fakeTun struct {
	written [][]byte
	mtu     int
}

func (f *fakeTun) Read(buf []byte) (int, error)  { select {} }
func (f *fakeTun) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.written = append(f.written, cp)
	return len(buf), nil
}
func (f *fakeTun) Shutdown() error                              { return nil }
func (f *fakeTun) MTU() int                                     { return f.mtu }
func (f *fakeTun) SetIP(ip, netmask net.IP) error                { return nil }
func (f *fakeTun) SetMTU(mtu int) error                         { f.mtu = mtu; return nil }
func (f *fakeTun) AddRoute(network net.IP, mask net.IPMask) error    { return nil }
func (f *fakeTun) DeleteRoute(network net.IP, mask net.IPMask) error { return nil }

func fakePacket(dest net.IP) []byte {
	buf := make([]byte, 20)
	buf[0] = 0x45
	copy(buf[16:20], dest.To4())
	return buf
}

func passthroughCipher(net.IP) (Cipher, error) { return noneCipher{}, nil }

func newTestBridge(t *testing.T, selfIP, gateway, netmask net.IP) (*Bridge, *fakeTun, *Context) {
	t.Helper()
	ctx := NewContext(false, nil, nil)
	device := NewCurrentDevice(selfIP, gateway, netmask, nil, 1)
	ctx.Device.Store(device)
	tun := &fakeTun{mtu: 1420}
	bridge := NewBridge(ctx, tun, passthroughCipher, noneCipher{}, nil, nil, nil, nil)
	return bridge, tun, ctx
}

func TestBridgeDeliversInboundAddressedToSelf(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	bridge, tun, ctx := newTestBridge(t, self, self, net.IPv4(255, 255, 255, 0))

	peer := net.IPv4(10, 0, 0, 2)
	key := RouteKey{SocketIndex: 0, RemoteAddr: "1.2.3.4:5"}
	ctx.Routes.Upsert(peer, key, 1, time.Now())

	header := NewHeader(ClassIPTurn, TurnIPv4, peer, self, 8)
	packet := fakePacket(self)

	if err := bridge.HandleInbound(&Frame{Header: header, Body: packet}, key, false); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(tun.written) != 1 {
		t.Fatalf("tun writes = %d, want 1", len(tun.written))
	}
}

func TestBridgeRejectsUnauthorizedSource(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	bridge, _, _ := newTestBridge(t, self, self, net.IPv4(255, 255, 255, 0))

	peer := net.IPv4(10, 0, 0, 2)
	header := NewHeader(ClassIPTurn, TurnIPv4, peer, self, 8)
	packet := fakePacket(self)

	unknownKey := RouteKey{SocketIndex: 0, RemoteAddr: "9.9.9.9:9"}
	err := bridge.HandleInbound(&Frame{Header: header, Body: packet}, unknownKey, false)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Errorf("err = %v, want ErrUnauthorizedSource", err)
	}
}

func TestBridgeNonGatewayRefusesToRelay(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	otherGateway := net.IPv4(10, 0, 0, 254)
	bridge, _, ctx := newTestBridge(t, self, otherGateway, net.IPv4(255, 255, 255, 0))

	peer := net.IPv4(10, 0, 0, 2)
	target := net.IPv4(10, 0, 0, 3)
	key := RouteKey{SocketIndex: 0, RemoteAddr: "1.2.3.4:5"}
	ctx.Routes.Upsert(peer, key, 1, time.Now())

	header := NewHeader(ClassIPTurn, TurnIPv4, peer, target, 8)
	packet := fakePacket(target)

	err := bridge.HandleInbound(&Frame{Header: header, Body: packet}, key, false)
	if !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("err = %v, want ErrUnknownPeer for a non-gateway relay attempt", err)
	}
}

func TestBridgeDropsExhaustedTTLEvenAsGateway(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	bridge, _, ctx := newTestBridge(t, self, self, net.IPv4(255, 255, 255, 0))

	peer := net.IPv4(10, 0, 0, 2)
	target := net.IPv4(10, 0, 0, 3)
	key := RouteKey{SocketIndex: 0, RemoteAddr: "1.2.3.4:5"}
	ctx.Routes.Upsert(peer, key, 1, time.Now())
	ctx.Routes.Upsert(target, RouteKey{SocketIndex: 0, RemoteAddr: "5.6.7.8:9"}, 1, time.Now())

	header := &PacketHeader{Version: currentVersion, Class: ClassIPTurn, SubProtocol: TurnIPv4,
		InitialHops: 1, RemainingTTL: 0, SourceIP: peer, DestIP: target}
	packet := fakePacket(target)

	err := bridge.HandleInbound(&Frame{Header: header, Body: packet}, key, false)
	if !errors.Is(err, ErrTTLExhausted) {
		t.Errorf("err = %v, want ErrTTLExhausted", err)
	}
}

func TestBridgeBroadcastDoesNotLoopBackToVisitedNode(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	bridge, tun, _ := newTestBridge(t, self, self, net.IPv4(255, 255, 255, 0))

	err := bridge.sendBroadcast(NewCurrentDevice(self, self, net.IPv4(255, 255, 255, 0), nil, 1), []byte("payload"), []net.IP{self})
	if err != nil {
		t.Fatalf("sendBroadcast: %v", err)
	}
	if len(tun.written) != 0 {
		t.Errorf("expected no further fan-out once self is already visited")
	}
}

func TestBridgeHandleInboundBroadcastDeliversToTunWhenNotVisited(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	bridge, tun, _ := newTestBridge(t, self, self, net.IPv4(255, 255, 255, 0))

	peer := net.IPv4(10, 0, 0, 2)
	inner := []byte("broadcast-payload")
	body, err := EncodeBroadcastBody([]net.IP{peer}, inner)
	if err != nil {
		t.Fatalf("EncodeBroadcastBody: %v", err)
	}

	header := NewHeader(ClassIPTurn, TurnIPv4Broadcast, peer, self, 8)
	err = bridge.HandleInbound(&Frame{Header: header, Body: body}, RouteKey{}, true)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(tun.written) != 1 {
		t.Fatalf("tun writes = %d, want exactly 1 when self is not yet visited", len(tun.written))
	}
}

func TestBridgeHandleInboundBroadcastSkipsTunWhenAlreadyVisited(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	bridge, tun, _ := newTestBridge(t, self, self, net.IPv4(255, 255, 255, 0))

	peer := net.IPv4(10, 0, 0, 2)
	inner := []byte("broadcast-payload")
	body, err := EncodeBroadcastBody([]net.IP{peer, self}, inner)
	if err != nil {
		t.Fatalf("EncodeBroadcastBody: %v", err)
	}

	header := NewHeader(ClassIPTurn, TurnIPv4Broadcast, peer, self, 8)
	err = bridge.HandleInbound(&Frame{Header: header, Body: body}, RouteKey{}, true)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(tun.written) != 0 {
		t.Errorf("tun writes = %d, want 0: self already appears in the visited list", len(tun.written))
	}
}

func TestBridgeViaServerBypassesRouteCheck(t *testing.T) {
	self := net.IPv4(10, 0, 0, 1)
	bridge, tun, _ := newTestBridge(t, self, self, net.IPv4(255, 255, 255, 0))

	peer := net.IPv4(10, 0, 0, 2)
	header := NewHeader(ClassIPTurn, TurnIPv4, peer, self, 8)
	packet := fakePacket(self)

	err := bridge.HandleInbound(&Frame{Header: header, Body: packet}, RouteKey{}, true)
	if err != nil {
		t.Fatalf("HandleInbound via server: %v", err)
	}
	if len(tun.written) != 1 {
		t.Fatalf("tun writes = %d, want 1", len(tun.written))
	}
}
