package overlay

import (
	"net"
	"testing"
	"time"
)

func TestRouteTableBestOrdersByMetricThenRTT(t *testing.T) {
	rt := NewRouteTable(false)
	peer := net.IPv4(10, 0, 0, 2)
	now := time.Now()

	direct := RouteKey{SocketIndex: 0, RemoteAddr: "1.1.1.1:100"}
	relayed := RouteKey{SocketIndex: 0, RemoteAddr: "2.2.2.2:200"}

	rt.Upsert(peer, relayed, 2, now)
	rt.Upsert(peer, direct, 1, now)
	rt.UpdateRTT(peer, direct, 50*time.Millisecond, now)
	rt.UpdateRTT(peer, relayed, 5*time.Millisecond, now)

	best := rt.Best(peer)
	if best == nil {
		t.Fatal("Best returned nil")
	}
	if best.Key != direct {
		t.Errorf("best route = %+v, want the lower-metric direct route despite higher rtt", best.Key)
	}
}

func TestRouteTableFirstLatencyOrdersByRTTOnly(t *testing.T) {
	rt := NewRouteTable(true)
	peer := net.IPv4(10, 0, 0, 2)
	now := time.Now()

	direct := RouteKey{SocketIndex: 0, RemoteAddr: "1.1.1.1:100"}
	relayed := RouteKey{SocketIndex: 0, RemoteAddr: "2.2.2.2:200"}

	rt.Upsert(peer, direct, 1, now)
	rt.Upsert(peer, relayed, 2, now)
	rt.UpdateRTT(peer, direct, 50*time.Millisecond, now)
	rt.UpdateRTT(peer, relayed, 5*time.Millisecond, now)

	best := rt.Best(peer)
	if best == nil || best.Key != relayed {
		t.Errorf("best route under first_latency = %+v, want the lower-rtt relayed route", best)
	}
}

func TestRouteTableEvictIdleRemovesStaleRoutesAndEmptiesPeer(t *testing.T) {
	rt := NewRouteTable(false)
	peer := net.IPv4(10, 0, 0, 3)
	stale := time.Now().Add(-time.Hour)
	key := RouteKey{SocketIndex: 0, RemoteAddr: "3.3.3.3:300"}
	rt.Upsert(peer, key, 1, stale)

	if rt.Best(peer) == nil {
		t.Fatal("expected a route to exist before eviction")
	}

	emptied := rt.EvictIdle(time.Now())
	if len(emptied) != 1 || !emptied[0].Equal(peer) {
		t.Errorf("emptied = %v, want [%v]", emptied, peer)
	}
	if rt.Best(peer) != nil {
		t.Error("expected no route after eviction emptied the peer")
	}
}

func TestRouteTableTouchPreventsEviction(t *testing.T) {
	rt := NewRouteTable(false)
	peer := net.IPv4(10, 0, 0, 4)
	old := time.Now().Add(-time.Hour)
	key := RouteKey{SocketIndex: 0, RemoteAddr: "4.4.4.4:400"}
	rt.Upsert(peer, key, 1, old)

	rt.Touch(peer, key, time.Now())

	emptied := rt.EvictIdle(time.Now().Add(-time.Minute))
	if len(emptied) != 0 {
		t.Errorf("emptied = %v, want none after a fresh touch", emptied)
	}
}

func TestRouteTableBestIsDeterministicOnTies(t *testing.T) {
	rt := NewRouteTable(false)
	peer := net.IPv4(10, 0, 0, 7)
	now := time.Now()

	a := RouteKey{SocketIndex: 0, RemoteAddr: "1.1.1.1:100"}
	b := RouteKey{SocketIndex: 0, RemoteAddr: "2.2.2.2:200"}

	rt.Upsert(peer, a, 1, now)
	rt.Upsert(peer, b, 1, now)
	rt.UpdateRTT(peer, a, 10*time.Millisecond, now)
	rt.UpdateRTT(peer, b, 10*time.Millisecond, now)

	first := rt.Best(peer)
	if first == nil {
		t.Fatal("Best returned nil")
	}
	for i := 0; i < 20; i++ {
		got := rt.Best(peer)
		if got == nil || got.Key != first.Key {
			t.Fatalf("Best() = %+v on call %d, want stable %+v", got, i, first.Key)
		}
	}
}

func TestRouteTablePeersListsTrackedVirtualIPs(t *testing.T) {
	rt := NewRouteTable(false)
	now := time.Now()
	a, b := net.IPv4(10, 0, 0, 5), net.IPv4(10, 0, 0, 6)
	rt.Upsert(a, RouteKey{RemoteAddr: "a"}, 1, now)
	rt.Upsert(b, RouteKey{RemoteAddr: "b"}, 1, now)

	peers := rt.Peers()
	if len(peers) != 2 {
		t.Fatalf("peers = %v, want 2 entries", peers)
	}
}
