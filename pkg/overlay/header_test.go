package overlay

import (
	"net"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(ClassIPTurn, TurnIPv4, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 8)
	buf := EncodeHeader(h)
	if len(buf) != HeaderLen {
		t.Fatalf("encoded header length = %d, want %d", len(buf), HeaderLen)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.Version != h.Version || got.Class != h.Class || got.SubProtocol != h.SubProtocol {
		t.Errorf("header mismatch: got %+v, want %+v", got, h)
	}
	if !got.SourceIP.Equal(h.SourceIP) || !got.DestIP.Equal(h.DestIP) {
		t.Errorf("ip mismatch: got src=%v dst=%v, want src=%v dst=%v", got.SourceIP, got.DestIP, h.SourceIP, h.DestIP)
	}
	if got.InitialHops != 8 || got.RemainingTTL != 8 {
		t.Errorf("hops = %d/%d, want 8/8", got.InitialHops, got.RemainingTTL)
	}
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderLen-1))
	if err != ErrSmallBuffer {
		t.Errorf("err = %v, want ErrSmallBuffer", err)
	}
}

func TestHeaderMetric(t *testing.T) {
	h := NewHeader(ClassIPTurn, TurnIPv4, net.IPv4zero, net.IPv4zero, 8)
	if m := h.Metric(); m != 1 {
		t.Errorf("fresh header metric = %d, want 1", m)
	}
	next := h.Decrement()
	if m := next.Metric(); m != 2 {
		t.Errorf("one-hop metric = %d, want 2", m)
	}
}

func TestHeaderDecrementFromOneReachesZero(t *testing.T) {
	h := &PacketHeader{InitialHops: 2, RemainingTTL: 1}
	next := h.Decrement()
	if next.RemainingTTL != 0 {
		t.Fatalf("RemainingTTL = %d, want 0", next.RemainingTTL)
	}
	if next.Metric() != 3 {
		t.Errorf("metric at ttl 0 = %d, want 3", next.Metric())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	h := NewHeader(ClassControl, CtrlPing, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1)
	body := EncodePingBody(1234, 5)
	encoded := EncodeFrame(&Frame{Header: h, Body: body})

	f, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	gotTime, gotEpoch, err := DecodePingBody(f.Body)
	if err != nil {
		t.Fatalf("DecodePingBody: %v", err)
	}
	if gotTime != 1234 || gotEpoch != 5 {
		t.Errorf("ping body = (%d, %d), want (1234, 5)", gotTime, gotEpoch)
	}
}

func TestBroadcastBodyRoundTripAndCap(t *testing.T) {
	visited := []net.IP{net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)}
	inner := []byte("payload")
	body, err := EncodeBroadcastBody(visited, inner)
	if err != nil {
		t.Fatalf("EncodeBroadcastBody: %v", err)
	}
	gotVisited, gotInner, err := DecodeBroadcastBody(body)
	if err != nil {
		t.Fatalf("DecodeBroadcastBody: %v", err)
	}
	if len(gotVisited) != 2 || !gotVisited[0].Equal(visited[0]) {
		t.Errorf("visited = %v", gotVisited)
	}
	if string(gotInner) != "payload" {
		t.Errorf("inner = %q", gotInner)
	}

	over := make([]net.IP, maxBroadcastVisited+1)
	for i := range over {
		over[i] = net.IPv4(10, 0, byte(i>>8), byte(i))
	}
	if _, err := EncodeBroadcastBody(over, inner); err != ErrInvalidPacket {
		t.Errorf("over-cap encode err = %v, want ErrInvalidPacket", err)
	}
}
