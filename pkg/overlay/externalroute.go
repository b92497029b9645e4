// External route table (C10, spec.md §4.10), grounded directly on the
// original Rust implementation's switch/src/external_route/mod.rs
// ExternalRoute: a (network, mask, next_hop) list, longest-prefix-match
// resolved by linear scan sorted widest-mask-first.
package overlay

import (
	"net"
	"sort"
	"sync"
)

type externalEntry struct {
	network uint32
	mask    uint32
	nextHop net.IP
}

func maskLen(mask uint32) int {
	n := 0
	for i := 31; i >= 0; i-- {
		if mask&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}

// ExternalRouteTable resolves destination IPs outside the overlay's own
// subnet to a configured next-hop peer's virtual IP (§6 config key
// `in_ips`, CIDR list).
type ExternalRouteTable struct {
	mu      sync.RWMutex
	entries []externalEntry
}

// NewExternalRouteTable builds a table from CIDR strings paired with the
// next-hop virtual IP each should route through.
func NewExternalRouteTable(cidrs []string, nextHops []net.IP) (*ExternalRouteTable, error) {
	if len(cidrs) != len(nextHops) {
		return nil, ErrInvalidPacket
	}
	t := &ExternalRouteTable{}
	for i, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		network := ipToU32(ipnet.IP)
		mask := ipToU32(net.IP(ipnet.Mask))
		t.entries = append(t.entries, externalEntry{network: network, mask: mask, nextHop: nextHops[i]})
	}
	t.sortByMaskDesc()
	return t, nil
}

func (t *ExternalRouteTable) sortByMaskDesc() {
	sort.Slice(t.entries, func(i, j int) bool {
		return maskLen(t.entries[i].mask) > maskLen(t.entries[j].mask)
	})
}

// Route resolves dest to a next-hop virtual IP, or nil if no configured
// prefix contains it. Entries are scanned longest-prefix-first so a more
// specific route always wins over a broader one that also matches.
func (t *ExternalRouteTable) Route(dest net.IP) net.IP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := ipToU32(dest)
	for _, e := range t.entries {
		if d&e.mask == e.network&e.mask {
			return e.nextHop
		}
	}
	return nil
}

// AllowList restricts which destinations outside the overlay this node
// accepts forwarded traffic for (inbound NAT'd prefixes, §4.10): the
// bridge checks it against the inner packet's destination address. An
// empty list permits every address.
type AllowList struct {
	mu      sync.RWMutex
	entries []externalEntry
}

// NewAllowList builds an allow-list from CIDR strings; the next-hop
// field is unused and left nil.
func NewAllowList(cidrs []string) (*AllowList, error) {
	a := &AllowList{}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		a.entries = append(a.entries, externalEntry{
			network: ipToU32(ipnet.IP),
			mask:    ipToU32(net.IP(ipnet.Mask)),
		})
	}
	return a, nil
}

// Allowed reports whether ip falls inside any configured prefix, or
// whether the allow-list is empty (permit-all).
func (a *AllowList) Allowed(ip net.IP) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.entries) == 0 {
		return true
	}
	v := ipToU32(ip)
	for _, e := range a.entries {
		if v&e.mask == e.network&e.mask {
			return true
		}
	}
	return false
}
