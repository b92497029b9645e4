package overlay

import (
	"net"
	"testing"
	"time"
)

func TestPunchCandidatesConeConeIsSingleAddress(t *testing.T) {
	local := NatInfo{NatType: NATCone}
	remote := NatInfo{NatType: NATCone, PublicIPs: []net.IP{net.IPv4(203, 0, 113, 5)}, PublicPort: 4500}
	addrs := punchCandidates(local, remote)
	if len(addrs) != 1 {
		t.Fatalf("cone-cone candidates = %d, want 1", len(addrs))
	}
	if addrs[0].Port != 4500 {
		t.Errorf("candidate port = %d, want 4500", addrs[0].Port)
	}
}

func TestPunchCandidatesSymmetricSymmetricBoundedBySymmetricGuesses(t *testing.T) {
	local := NatInfo{NatType: NATSymmetric}
	remote := NatInfo{NatType: NATSymmetric, PublicIPs: []net.IP{net.IPv4(203, 0, 113, 5)}, PublicPort: 4500, PortRange: 64}
	addrs := punchCandidates(local, remote)
	if len(addrs) > symmetricGuesses {
		t.Errorf("candidates = %d, want at most %d", len(addrs), symmetricGuesses)
	}
	if len(addrs) == 0 {
		t.Error("expected at least one candidate address")
	}
}

func TestPunchCandidatesConeConePunchesEveryObservedIP(t *testing.T) {
	local := NatInfo{NatType: NATCone}
	remote := NatInfo{
		NatType:    NATCone,
		PublicIPs:  []net.IP{net.IPv4(203, 0, 113, 5), net.IPv4(198, 51, 100, 9)},
		PublicPort: 4500,
	}
	addrs := punchCandidates(local, remote)
	if len(addrs) != 2 {
		t.Fatalf("cone-cone candidates = %d, want 2 (one per observed public ip)", len(addrs))
	}
	seen := map[string]bool{}
	for _, a := range addrs {
		seen[a.IP.String()] = true
		if a.Port != 4500 {
			t.Errorf("candidate port = %d, want 4500", a.Port)
		}
	}
	if !seen["203.0.113.5"] || !seen["198.51.100.9"] {
		t.Errorf("candidates = %v, want one entry per public ip", addrs)
	}
}

func TestPunchCandidatesSymmetricSymmetricCoversEveryObservedIP(t *testing.T) {
	local := NatInfo{NatType: NATSymmetric}
	remote := NatInfo{
		NatType:    NATSymmetric,
		PublicIPs:  []net.IP{net.IPv4(203, 0, 113, 5), net.IPv4(198, 51, 100, 9)},
		PublicPort: 4500,
		PortRange:  64,
	}
	addrs := punchCandidates(local, remote)
	if len(addrs) > 2*symmetricGuesses {
		t.Errorf("candidates = %d, want at most %d (2 ips)", len(addrs), 2*symmetricGuesses)
	}
	seen := map[string]bool{}
	for _, a := range addrs {
		seen[a.IP.String()] = true
	}
	if !seen["203.0.113.5"] || !seen["198.51.100.9"] {
		t.Errorf("candidates = %v, want guesses against both public ips", addrs)
	}
}

func TestPunchCandidatesEmptyWithoutRemoteAddress(t *testing.T) {
	if addrs := punchCandidates(NatInfo{}, NatInfo{}); addrs != nil {
		t.Errorf("addrs = %v, want nil with no remote public IP", addrs)
	}
}

func TestStrategyForClassification(t *testing.T) {
	cases := []struct {
		local, remote NATType
		want          string
	}{
		{NATCone, NATCone, "cone-cone"},
		{NATSymmetric, NATSymmetric, "symmetric-symmetric"},
		{NATCone, NATSymmetric, "cone-symmetric"},
		{NATSymmetric, NATCone, "cone-symmetric"},
	}
	for _, c := range cases {
		got := StrategyFor(NatInfo{NatType: c.local}, NatInfo{NatType: c.remote})
		if got != c.want {
			t.Errorf("StrategyFor(%v, %v) = %q, want %q", c.local, c.remote, got, c.want)
		}
	}
}

func TestPeerPunchLifecycle(t *testing.T) {
	p := NewPeerPunch()
	if p.State() != PunchUnknown {
		t.Fatalf("initial state = %v, want PunchUnknown", p.State())
	}

	local := NatInfo{NatType: NATCone}
	remote := NatInfo{NatType: NATCone, PublicIPs: []net.IP{net.IPv4(203, 0, 113, 5)}, PublicPort: 9000}
	p.SetInfo(local, remote)
	if p.State() != PunchInfoReady {
		t.Fatalf("state after SetInfo = %v, want PunchInfoReady", p.State())
	}

	now := time.Now()
	if !p.ReadyToTry(now) {
		t.Fatal("expected ReadyToTry once info is set and no cooldown is active")
	}
	addrs := p.BeginAttempt()
	if len(addrs) != 1 {
		t.Fatalf("BeginAttempt addrs = %d, want 1", len(addrs))
	}
	if p.State() != PunchPunching {
		t.Fatalf("state after BeginAttempt = %v, want PunchPunching", p.State())
	}

	p.Fail(now)
	if p.State() != PunchCooldown {
		t.Fatalf("state after Fail = %v, want PunchCooldown", p.State())
	}
	if p.ReadyToTry(now) {
		t.Error("expected ReadyToTry to be false immediately after a failure's backoff starts")
	}
	if p.ReadyToTry(now.Add(3 * time.Minute)) != true {
		t.Error("expected ReadyToTry true once max backoff has elapsed")
	}
}

func TestPeerPunchSucceedResetsAttempts(t *testing.T) {
	p := NewPeerPunch()
	p.SetInfo(NatInfo{}, NatInfo{PublicIPs: []net.IP{net.IPv4(1, 2, 3, 4)}})
	p.BeginAttempt()
	p.BeginAttempt()
	p.Succeed()
	if p.State() != PunchSucceeded {
		t.Fatalf("state after Succeed = %v, want PunchSucceeded", p.State())
	}
}

func TestPunchTableGetCreatesAndReuses(t *testing.T) {
	table := NewPunchTable()
	ip := net.IPv4(10, 0, 0, 9)
	a := table.Get(ip)
	b := table.Get(ip)
	if a != b {
		t.Error("expected Get to return the same *PeerPunch for repeated calls on the same ip")
	}
	if len(table.Peers()) != 1 {
		t.Errorf("Peers() = %v, want 1 entry", table.Peers())
	}
	table.Remove(ip)
	if len(table.Peers()) != 0 {
		t.Error("expected Peers() to be empty after Remove")
	}
}
