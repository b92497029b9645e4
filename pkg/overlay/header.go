package overlay

import (
	"encoding/binary"
	"net"
)

// HeaderLen is the fixed wire size of PacketHeader (§3).
const HeaderLen = 12

// ProtocolClass selects which sub-protocol enum the second header byte
// indexes into (§4.1).
type ProtocolClass uint8

const (
	ClassService   ProtocolClass = 1
	ClassError     ProtocolClass = 2
	ClassControl   ProtocolClass = 3
	ClassIPTurn    ProtocolClass = 4
	ClassOtherTurn ProtocolClass = 5
)

// PacketHeader is the fixed 12-byte header every packet carries:
// version, protocol_class, a class-specific sub-protocol byte, a
// packed ttl/hop-count byte, and the 4-byte source/destination virtual
// IPs. All multi-byte integers on the wire are big-endian, but every
// field here fits in one byte or is handled as raw bytes, so there is
// no endianness to get wrong in the header itself.
type PacketHeader struct {
	Version      uint8
	Class        ProtocolClass
	SubProtocol  uint8 // class-specific: Control.Ping, Service.RegistrationRequest, ...
	InitialHops  uint8 // high 4 bits of ttl_and_hop_count
	RemainingTTL uint8 // low 4 bits of ttl_and_hop_count
	SourceIP     net.IP
	DestIP       net.IP
}

const currentVersion = 1

// EncodeHeader writes h into a fresh HeaderLen-byte slice.
func EncodeHeader(h *PacketHeader) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Version
	buf[1] = byte(h.Class)
	buf[2] = h.SubProtocol
	buf[3] = (h.InitialHops << 4) | (h.RemainingTTL & 0x0f)
	copy(buf[4:8], h.SourceIP.To4())
	copy(buf[8:12], h.DestIP.To4())
	return buf
}

// DecodeHeader parses the first HeaderLen bytes of buf. It never
// panics: too-short input yields ErrSmallBuffer.
func DecodeHeader(buf []byte) (*PacketHeader, error) {
	if len(buf) < HeaderLen {
		return nil, ErrSmallBuffer
	}
	h := &PacketHeader{
		Version:      buf[0],
		Class:        ProtocolClass(buf[1]),
		SubProtocol:  buf[2],
		InitialHops:  buf[3] >> 4,
		RemainingTTL: buf[3] & 0x0f,
		SourceIP:     net.IPv4(buf[4], buf[5], buf[6], buf[7]),
		DestIP:       net.IPv4(buf[8], buf[9], buf[10], buf[11]),
	}
	return h, nil
}

// NewHeader builds a header with sensible defaults: current version,
// initial hop count equal to remaining (no hops consumed yet).
func NewHeader(class ProtocolClass, sub uint8, src, dst net.IP, maxHops uint8) *PacketHeader {
	return &PacketHeader{
		Version:      currentVersion,
		Class:        class,
		SubProtocol:  sub,
		InitialHops:  maxHops,
		RemainingTTL: maxHops,
		SourceIP:     src,
		DestIP:       dst,
	}
}

// Metric computes the hop metric a receiver infers from the delta
// between a header's initial and remaining hop counts (§4.5):
// metric = initial - remaining + 1. A never-relayed packet (remaining
// == initial) yields metric 1, i.e. direct.
func (h *PacketHeader) Metric() int {
	m := int(h.InitialHops) - int(h.RemainingTTL) + 1
	if m < 1 {
		return 1
	}
	return m
}

// Decrement returns a copy of h with RemainingTTL reduced by one, for
// in-network relaying (§4.9). Callers must check RemainingTTL > 0
// first; Decrement does not clamp.
func (h *PacketHeader) Decrement() PacketHeader {
	cp := *h
	cp.RemainingTTL--
	return cp
}

// ipv4Checksum computes the classic 1's-complement checksum over an
// inner IPv4 header (the first 20 bytes, or len(b) if shorter), per
// §4.1: "the codec computes the classic 1's-complement sum over the
// inner IPv4 header only". The outer frame's integrity is the cipher
// tag's job, not this checksum's.
func ipv4Checksum(b []byte) uint16 {
	n := len(b)
	if n > 20 {
		n = 20
	}
	var sum uint32
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
