package overlay

import (
	"net"
	"sync"
	"sync/atomic"
)

// CurrentDevice is assigned by the server on registration (§3). It is
// single-writer (the registration path) and many-reader; packet paths
// read it through an atomic cell so they always observe one consistent
// tuple instead of torn fields.
type CurrentDevice struct {
	VirtualIP      net.IP
	VirtualGateway net.IP
	VirtualNetmask net.IP
	VirtualNetwork net.IP // derived: VirtualIP & VirtualNetmask
	Broadcast      net.IP // derived: VirtualNetwork | ^VirtualNetmask
	ConnectServer  *net.UDPAddr
	Epoch          uint32
}

// IsGateway reports whether this node is the overlay's gateway for its
// own subnet, the condition bridge.go uses to decide whether in-network
// routing (§4.9) is permitted.
func (d *CurrentDevice) IsGateway() bool {
	return d.VirtualIP != nil && d.VirtualGateway != nil && d.VirtualIP.Equal(d.VirtualGateway)
}

// InNetwork reports whether ip falls inside the overlay's subnet.
func (d *CurrentDevice) InNetwork(ip net.IP) bool {
	if d.VirtualNetwork == nil || d.VirtualNetmask == nil {
		return false
	}
	ip4 := ip.To4()
	mask := net.IPMask(d.VirtualNetmask.To4())
	if ip4 == nil || mask == nil {
		return false
	}
	return d.VirtualNetwork.To4().Equal(ip4.Mask(mask))
}

// deriveNetwork computes VirtualNetwork and Broadcast from VirtualIP and
// VirtualNetmask. Called once, right after registration assigns the
// first three fields.
func deriveNetwork(ip, netmask net.IP) (network, broadcast net.IP) {
	ip4 := ip.To4()
	mask := net.IPMask(netmask.To4())
	if ip4 == nil || mask == nil {
		return nil, nil
	}
	netw := ip4.Mask(mask)
	bcast := make(net.IP, 4)
	for i := range bcast {
		bcast[i] = netw[i] | ^mask[i]
	}
	return netw, bcast
}

// NewCurrentDevice builds a CurrentDevice from the fields a
// RegistrationResponse carries, deriving VirtualNetwork/Broadcast.
func NewCurrentDevice(ip, gateway, netmask net.IP, server *net.UDPAddr, epoch uint32) *CurrentDevice {
	network, broadcast := deriveNetwork(ip, netmask)
	return &CurrentDevice{
		VirtualIP:      ip,
		VirtualGateway: gateway,
		VirtualNetmask: netmask,
		VirtualNetwork: network,
		Broadcast:      broadcast,
		ConnectServer:  server,
		Epoch:          epoch,
	}
}

// DeviceCell publishes a *CurrentDevice lock-free so every packet-path
// goroutine can read a consistent snapshot without blocking the
// registration writer. Mirrors the single-writer/many-reader contract
// in spec.md §3 and §5.
type DeviceCell struct {
	v atomic.Pointer[CurrentDevice]
}

func (c *DeviceCell) Load() *CurrentDevice    { return c.v.Load() }
func (c *DeviceCell) Store(d *CurrentDevice)  { c.v.Store(d) }

// PeerStatus is the liveness state the server reports for a peer.
type PeerStatus uint8

const (
	PeerOnline PeerStatus = iota
	PeerOffline
)

func (s PeerStatus) String() string {
	if s == PeerOnline {
		return "online"
	}
	return "offline"
}

// PeerDeviceInfo is per-peer state rebuilt wholesale whenever the server
// pushes a new device list. Entries whose virtual_ip disappears from a
// push are dropped immediately by PeerTable.ReconcileFromPush, rather
// than lingering until their routes separately expire.
type PeerDeviceInfo struct {
	VirtualIP        net.IP
	Name             string
	Status           PeerStatus
	ClientSecret     bool // peer carries its own end-to-end client-secret
	ClientSecretHash []byte
}

// PeerTable holds the current per-peer device state, keyed by virtual
// IP, reconciled wholesale on every device-list push from the server
// (Registrar.OnDeviceList). It does not itself own route or punch
// state; callers use the removed set ReconcileFromPush returns to keep
// RouteTable and PunchTable in sync with who the server still
// considers a member of the overlay.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerDeviceInfo
}

// NewPeerTable builds an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*PeerDeviceInfo)}
}

// Get returns the known info for ip, or nil if ip isn't currently a
// member of the overlay.
func (t *PeerTable) Get(ip net.IP) *PeerDeviceInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.peers[ip.String()]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// Peers returns a snapshot of every tracked peer.
func (t *PeerTable) Peers() []*PeerDeviceInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerDeviceInfo, 0, len(t.peers))
	for _, p := range t.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// ReconcileFromPush replaces the table's contents with items, the shape
// every push from the server carries. It returns the virtual IPs that
// were present before the push and are now gone, so a caller can evict
// their routes and punch state instead of waiting on idle timeouts.
func (t *PeerTable) ReconcileFromPush(items []DeviceListItem) (removed []net.IP) {
	next := make(map[string]*PeerDeviceInfo, len(items))
	for i := range items {
		it := &items[i]
		next[it.VirtualIP.String()] = &PeerDeviceInfo{
			VirtualIP:        it.VirtualIP,
			Name:             it.Name,
			Status:           it.Status,
			ClientSecret:     it.ClientSecret,
			ClientSecretHash: it.ClientSecretHash,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, p := range t.peers {
		if _, ok := next[k]; !ok {
			removed = append(removed, p.VirtualIP)
		}
	}
	t.peers = next
	return removed
}

// NATType classifies a NAT's mapping behavior (§3, §4.3).
type NATType int

const (
	NATCone NATType = iota
	NATSymmetric
)

func (t NATType) String() string {
	if t == NATCone {
		return "cone"
	}
	return "symmetric"
}

// NatInfo is this node's externally-observed mapping, mutated by the NAT
// prober (C3) and read by the punch engine (C6) and by registration,
// which reports it to the server and to peers.
type NatInfo struct {
	PublicIPs  []net.IP
	PublicPort uint16
	PortRange  uint16 // hint for symmetric NATs: observed port delta spread
	LocalIPv4  net.IP
	LocalPort  uint16
	NatType    NATType
	IPv6Addr   *net.UDPAddr // optional; nil if no global IPv6
}
