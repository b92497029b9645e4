package overlay

import (
	"bytes"
	"net"
	"testing"
)

func TestRegistrationRequestRoundTrip(t *testing.T) {
	want := &RegistrationRequest{
		Token:            "shared-token",
		DeviceID:         "device-123",
		Name:             "laptop",
		VirtualIPRequest: ipToU32(net.IPv4(10, 0, 0, 5)),
		ClientSecretHash: []byte{1, 2, 3, 4},
		Version:          "0.1.0",
	}
	got, err := DecodeRegistrationRequest(EncodeRegistrationRequest(want))
	if err != nil {
		t.Fatalf("DecodeRegistrationRequest: %v", err)
	}
	if got.Token != want.Token || got.DeviceID != want.DeviceID || got.Name != want.Name ||
		got.VirtualIPRequest != want.VirtualIPRequest || got.Version != want.Version {
		t.Errorf("got = %+v, want = %+v", got, want)
	}
	if !bytes.Equal(got.ClientSecretHash, want.ClientSecretHash) {
		t.Errorf("ClientSecretHash = %v, want %v", got.ClientSecretHash, want.ClientSecretHash)
	}
}

func TestRegistrationResponseRoundTrip(t *testing.T) {
	want := &RegistrationResponse{
		VirtualIP:        net.IPv4(10, 0, 0, 5),
		VirtualGateway:   net.IPv4(10, 0, 0, 1),
		VirtualNetmask:   net.IPv4(255, 255, 255, 0),
		Epoch:            7,
		PublicIPObserved: net.IPv4(203, 0, 113, 9),
		PublicPort:       51820,
	}
	got, err := DecodeRegistrationResponse(EncodeRegistrationResponse(want))
	if err != nil {
		t.Fatalf("DecodeRegistrationResponse: %v", err)
	}
	if !got.VirtualIP.Equal(want.VirtualIP) || !got.VirtualGateway.Equal(want.VirtualGateway) ||
		!got.VirtualNetmask.Equal(want.VirtualNetmask) || got.Epoch != want.Epoch ||
		!got.PublicIPObserved.Equal(want.PublicIPObserved) || got.PublicPort != want.PublicPort {
		t.Errorf("got = %+v, want = %+v", got, want)
	}
}

func TestDeviceListItemRoundTrip(t *testing.T) {
	want := &DeviceListItem{
		VirtualIP:        net.IPv4(10, 0, 0, 7),
		Name:             "peer-b",
		Status:           PeerOnline,
		ClientSecret:     true,
		ClientSecretHash: []byte{9, 9, 9},
	}
	got, err := DecodeDeviceListItem(EncodeDeviceListItem(want))
	if err != nil {
		t.Fatalf("DecodeDeviceListItem: %v", err)
	}
	if !got.VirtualIP.Equal(want.VirtualIP) || got.Name != want.Name || got.Status != want.Status || !got.ClientSecret {
		t.Errorf("got = %+v, want = %+v", got, want)
	}
}

func TestPunchInfoRoundTripWithIPv6(t *testing.T) {
	want := &PunchInfo{
		PublicIPs:  []net.IP{net.IPv4(203, 0, 113, 1), net.IPv4(203, 0, 113, 2)},
		PublicPort: 4500,
		PortRange:  32,
		LocalIPv4:  net.IPv4(192, 168, 1, 10),
		LocalPort:  4500,
		NatType:    NATSymmetric,
		IPv6Addr:   &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 4500},
	}
	got, err := DecodePunchInfo(EncodePunchInfo(want))
	if err != nil {
		t.Fatalf("DecodePunchInfo: %v", err)
	}
	if len(got.PublicIPs) != 2 || !got.PublicIPs[0].Equal(want.PublicIPs[0]) {
		t.Errorf("PublicIPs = %v, want %v", got.PublicIPs, want.PublicIPs)
	}
	if got.NatType != NATSymmetric || got.PortRange != 32 {
		t.Errorf("got = %+v", got)
	}
	if got.IPv6Addr == nil || !got.IPv6Addr.IP.Equal(want.IPv6Addr.IP) || got.IPv6Addr.Port != want.IPv6Addr.Port {
		t.Errorf("IPv6Addr = %+v, want %+v", got.IPv6Addr, want.IPv6Addr)
	}
}

func TestDecodeRegistrationRequestRejectsTruncatedVarint(t *testing.T) {
	buf := EncodeRegistrationRequest(&RegistrationRequest{Token: "x", VirtualIPRequest: 1})
	if _, err := DecodeRegistrationRequest(buf[:len(buf)-1]); err == nil {
		t.Error("expected an error decoding a truncated buffer")
	}
}
