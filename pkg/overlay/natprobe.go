// NAT prober (C3, spec.md §4.3), adapted from the teacher's STUN client
// (pkg/p2pnet/stunprober.go, RFC 5389 Binding Request/Response) and from
// the original implementation's nat/mod.rs re-probe loop and
// UDP-connect trick for discovering the local source address.
package overlay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// ReprobeInterval is how often the daemon re-runs NAT discovery after
// startup, to notice a public-port change behind a symmetric NAT (§4.3).
const ReprobeInterval = 10 * time.Minute

// NatProber runs STUN binding requests against a list of servers and
// folds the results into a NatInfo (§3). Probing against more than one
// STUN server from a single local port is what lets it tell Cone apart
// from Symmetric: a cone NAT maps the same local port to the same
// public port regardless of destination; a symmetric NAT does not.
type NatProber struct {
	servers []string
	metrics *Metrics // nil-safe
	logger  *slog.Logger
}

// NewNatProber builds a prober. If servers is empty it is still usable
// (Probe returns an error) — callers are expected to supply §6's
// `stun_server` list.
func NewNatProber(servers []string, m *Metrics, logger *slog.Logger) *NatProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &NatProber{servers: servers, metrics: m, logger: logger}
}

type stunProbeResult struct {
	externalIP   net.IP
	externalPort int
	err          error
}

// Probe discovers this node's public mapping and NAT class. conn is an
// already-bound UDP socket (the data-plane socket itself, per §4.3: the
// probe reuses the same local port sockets already use, so the mapping
// it observes is the one peers will actually punch against).
func (p *NatProber) Probe(ctx context.Context, conn *net.UDPConn) (*NatInfo, error) {
	if len(p.servers) == 0 {
		return nil, errors.New("no stun servers configured")
	}
	results := make([]stunProbeResult, 0, len(p.servers))
	for _, server := range p.servers {
		res := p.probeOne(ctx, conn, server)
		results = append(results, res)
		if p.metrics != nil {
			p.metrics.ObserveStunProbe(server, res.err == nil)
		}
	}

	var ok []stunProbeResult
	for _, r := range results {
		if r.err == nil {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("all stun probes failed")
	}

	natType := NATCone
	minPort, maxPort := ok[0].externalPort, ok[0].externalPort
	for _, r := range ok[1:] {
		if !r.externalIP.Equal(ok[0].externalIP) || r.externalPort != ok[0].externalPort {
			natType = NATSymmetric
		}
		if r.externalPort < minPort {
			minPort = r.externalPort
		}
		if r.externalPort > maxPort {
			maxPort = r.externalPort
		}
	}

	localIP, localPort, err := localAddrFor(conn, p.servers[0])
	if err != nil {
		localIP, localPort = nil, 0
	}

	info := &NatInfo{
		PublicIPs:  uniqueIPs(ok),
		PublicPort: uint16(ok[0].externalPort),
		PortRange:  uint16(maxPort - minPort),
		LocalIPv4:  localIP,
		LocalPort:  uint16(localPort),
		NatType:    natType,
	}
	return info, nil
}

func uniqueIPs(results []stunProbeResult) []net.IP {
	seen := map[string]bool{}
	var out []net.IP
	for _, r := range results {
		k := r.externalIP.String()
		if !seen[k] {
			seen[k] = true
			out = append(out, r.externalIP)
		}
	}
	return out
}

// localAddrFor discovers the local address the kernel would pick to
// reach server, via the classic UDP-connect trick (no packets sent):
// connecting a UDP socket to a remote address makes the kernel assign a
// local routing source without sending anything on the wire.
func localAddrFor(conn *net.UDPConn, server string) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, 0, err
	}
	probe, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, 0, err
	}
	defer probe.Close()
	local := probe.LocalAddr().(*net.UDPAddr)
	_ = conn
	return local.IP, local.Port, nil
}

func (p *NatProber) probeOne(ctx context.Context, conn *net.UDPConn, server string) stunProbeResult {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return stunProbeResult{err: err}
	}
	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return stunProbeResult{err: err}
	}
	req := buildSTUNBindingRequest(txID)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return stunProbeResult{err: err}
	}
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return stunProbeResult{err: err}
		}
		if !from.IP.Equal(raddr.IP) {
			continue // stray datagram from an unrelated peer on this shared socket
		}
		ip, port, err := parseSTUNXorMappedAddress(buf[:n], txID[:])
		if err != nil {
			return stunProbeResult{err: err}
		}
		return stunProbeResult{externalIP: ip, externalPort: port}
	}
}

const (
	stunMagicCookie     = 0x2112A442
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunXorMappedAddr   = 0x0020
	stunMappedAddr      = 0x0001
)

func buildSTUNBindingRequest(txID [12]byte) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0) // message length, no attributes
	binary.BigEndian.PutUint32(buf[4:8], stunMagicCookie)
	copy(buf[8:20], txID[:])
	return buf
}

func parseSTUNXorMappedAddress(data []byte, txID []byte) (net.IP, int, error) {
	if len(data) < 20 {
		return nil, 0, ErrSmallBuffer
	}
	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType != stunBindingResponse {
		return nil, 0, ErrInvalidPacket
	}
	msgLen := binary.BigEndian.Uint16(data[2:4])
	if int(20+msgLen) > len(data) {
		return nil, 0, ErrSmallBuffer
	}
	if !bytesEqual(data[8:20], txID) {
		return nil, 0, ErrInvalidPacket
	}
	attrs := data[20 : 20+msgLen]
	var mappedIP net.IP
	var mappedPort int
	var xorFound bool
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		attrLen := binary.BigEndian.Uint16(attrs[2:4])
		if int(4+attrLen) > len(attrs) {
			break
		}
		val := attrs[4 : 4+attrLen]
		switch attrType {
		case stunXorMappedAddr:
			if ip, port, err := decodeXorMapped(val, txID); err == nil {
				mappedIP, mappedPort, xorFound = ip, port, true
			}
		case stunMappedAddr:
			if !xorFound {
				if ip, port, err := decodeMapped(val); err == nil {
					mappedIP, mappedPort = ip, port
				}
			}
		}
		padded := int(attrLen)
		if padded%4 != 0 {
			padded += 4 - padded%4
		}
		attrs = attrs[4+padded:]
	}
	if mappedIP == nil {
		return nil, 0, ErrInvalidPacket
	}
	return mappedIP, mappedPort, nil
}

func decodeXorMapped(val []byte, txID []byte) (net.IP, int, error) {
	if len(val) < 8 || val[1] != 0x01 {
		return nil, 0, ErrInvalidPacket
	}
	xport := binary.BigEndian.Uint16(val[2:4]) ^ uint16(stunMagicCookie>>16)
	var xip [4]byte
	cookie := make([]byte, 4)
	binary.BigEndian.PutUint32(cookie, stunMagicCookie)
	for i := 0; i < 4; i++ {
		xip[i] = val[4+i] ^ cookie[i]
	}
	return net.IPv4(xip[0], xip[1], xip[2], xip[3]), int(xport), nil
}

func decodeMapped(val []byte) (net.IP, int, error) {
	if len(val) < 8 || val[1] != 0x01 {
		return nil, 0, ErrInvalidPacket
	}
	port := binary.BigEndian.Uint16(val[2:4])
	return net.IPv4(val[4], val[5], val[6], val[7]), int(port), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
