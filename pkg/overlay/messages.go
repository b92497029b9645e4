// Service-class message bodies, wire-compatible with protobuf (field
// numbers are part of the contract per spec.md §6) but encoded and
// decoded by hand against google.golang.org/protobuf/encoding/protowire
// rather than generated from a .proto file — there is no protoc step
// in this build.
package overlay

import (
	"net"

	"google.golang.org/protobuf/encoding/protowire"
)

// RegistrationRequest — field numbers are the wire contract.
type RegistrationRequest struct {
	Token            string
	DeviceID         string
	Name             string
	VirtualIPRequest uint32 // 0 = no preference
	ClientSecretHash []byte
	Version          string
}

func EncodeRegistrationRequest(m *RegistrationRequest) []byte {
	var b []byte
	b = appendString(b, 1, m.Token)
	b = appendString(b, 2, m.DeviceID)
	b = appendString(b, 3, m.Name)
	if m.VirtualIPRequest != 0 {
		b = appendVarint(b, 4, uint64(m.VirtualIPRequest))
	}
	if len(m.ClientSecretHash) > 0 {
		b = appendBytes(b, 5, m.ClientSecretHash)
	}
	b = appendString(b, 6, m.Version)
	return b
}

func DecodeRegistrationRequest(buf []byte) (*RegistrationRequest, error) {
	m := &RegistrationRequest{}
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			m.Token = string(v)
		case 2:
			m.DeviceID = string(v)
		case 3:
			m.Name = string(v)
		case 4:
			m.VirtualIPRequest = uint32(u)
		case 5:
			m.ClientSecretHash = append([]byte(nil), v...)
		case 6:
			m.Version = string(v)
		}
		return nil
	})
	return m, err
}

// RegistrationResponse.
type RegistrationResponse struct {
	VirtualIP        net.IP
	VirtualGateway   net.IP
	VirtualNetmask   net.IP
	Epoch            uint32
	PublicIPObserved net.IP
	PublicPort       uint16
}

func EncodeRegistrationResponse(m *RegistrationResponse) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(ipToU32(m.VirtualIP)))
	b = appendVarint(b, 2, uint64(ipToU32(m.VirtualGateway)))
	b = appendVarint(b, 3, uint64(ipToU32(m.VirtualNetmask)))
	b = appendVarint(b, 4, uint64(m.Epoch))
	b = appendVarint(b, 5, uint64(ipToU32(m.PublicIPObserved)))
	b = appendVarint(b, 6, uint64(m.PublicPort))
	return b
}

func DecodeRegistrationResponse(buf []byte) (*RegistrationResponse, error) {
	m := &RegistrationResponse{}
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			m.VirtualIP = u32ToIP(uint32(u))
		case 2:
			m.VirtualGateway = u32ToIP(uint32(u))
		case 3:
			m.VirtualNetmask = u32ToIP(uint32(u))
		case 4:
			m.Epoch = uint32(u)
		case 5:
			m.PublicIPObserved = u32ToIP(uint32(u))
		case 6:
			m.PublicPort = uint16(u)
		}
		return nil
	})
	return m, err
}

// DeviceListItem.
type DeviceListItem struct {
	VirtualIP        net.IP
	Name             string
	Status           PeerStatus
	ClientSecret     bool
	ClientSecretHash []byte
}

func EncodeDeviceListItem(m *DeviceListItem) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(ipToU32(m.VirtualIP)))
	b = appendString(b, 2, m.Name)
	b = appendVarint(b, 3, uint64(m.Status))
	if m.ClientSecret {
		b = appendVarint(b, 4, 1)
	}
	if len(m.ClientSecretHash) > 0 {
		b = appendBytes(b, 5, m.ClientSecretHash)
	}
	return b
}

func DecodeDeviceListItem(buf []byte) (*DeviceListItem, error) {
	m := &DeviceListItem{}
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			m.VirtualIP = u32ToIP(uint32(u))
		case 2:
			m.Name = string(v)
		case 3:
			m.Status = PeerStatus(u)
		case 4:
			m.ClientSecret = u != 0
		case 5:
			m.ClientSecretHash = append([]byte(nil), v...)
		}
		return nil
	})
	return m, err
}

// PunchInfo carries the sender's NatInfo during the punch exchange
// (§4.1 OtherTurn, §6).
type PunchInfo struct {
	PublicIPs   []net.IP
	PublicPort  uint16
	PortRange   uint16
	LocalIPv4   net.IP
	LocalPort   uint16
	NatType     NATType
	IPv6Addr    *net.UDPAddr // optional
}

func EncodePunchInfo(m *PunchInfo) []byte {
	var b []byte
	for _, ip := range m.PublicIPs {
		b = appendVarint(b, 1, uint64(ipToU32(ip)))
	}
	b = appendVarint(b, 2, uint64(m.PublicPort))
	b = appendVarint(b, 3, uint64(m.PortRange))
	b = appendVarint(b, 4, uint64(ipToU32(m.LocalIPv4)))
	b = appendVarint(b, 5, uint64(m.LocalPort))
	b = appendVarint(b, 6, uint64(m.NatType))
	if m.IPv6Addr != nil {
		payload := make([]byte, 18)
		copy(payload[:16], m.IPv6Addr.IP.To16())
		payload[16] = byte(m.IPv6Addr.Port >> 8)
		payload[17] = byte(m.IPv6Addr.Port)
		b = appendBytes(b, 7, payload)
	}
	return b
}

func DecodePunchInfo(buf []byte) (*PunchInfo, error) {
	m := &PunchInfo{}
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			m.PublicIPs = append(m.PublicIPs, u32ToIP(uint32(u)))
		case 2:
			m.PublicPort = uint16(u)
		case 3:
			m.PortRange = uint16(u)
		case 4:
			m.LocalIPv4 = u32ToIP(uint32(u))
		case 5:
			m.LocalPort = uint16(u)
		case 6:
			m.NatType = NATType(u)
		case 7:
			if len(v) == 18 {
				m.IPv6Addr = &net.UDPAddr{
					IP:   append(net.IP(nil), v[:16]...),
					Port: int(v[16])<<8 | int(v[17]),
				}
			}
		}
		return nil
	})
	return m, err
}

// --- protowire helpers ---

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields iterates every top-level field in buf, calling fn with the
// field number, wire type, and (for bytes fields) the raw value or (for
// varint fields) the decoded uint64. Malformed input yields
// ErrInvalidPacket rather than a panic.
func walkFields(buf []byte, fn func(num protowire.Number, typ protowire.Type, bytesVal []byte, varintVal uint64) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return ErrInvalidPacket
		}
		buf = buf[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return ErrInvalidPacket
			}
			buf = buf[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return ErrInvalidPacket
			}
			buf = buf[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return ErrInvalidPacket
			}
			buf = buf[n:]
			if err := fn(num, typ, nil, uint64(v)); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return ErrInvalidPacket
			}
			buf = buf[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return ErrInvalidPacket
			}
			buf = buf[n:]
		}
	}
	return nil
}

func ipToU32(ip net.IP) uint32 {
	if ip == nil {
		return 0
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func u32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
