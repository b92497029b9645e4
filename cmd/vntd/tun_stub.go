// Platform TUN/TAP device creation is out of scope here (spec.md §1
// Non-goals): opening a real virtual network interface needs root/cap_net
// or a platform-specific driver (wintun on Windows, /dev/net/tun on
// Linux, utun on Darwin) that this exercise does not build. noopTunDevice
// satisfies overlay.TunDevice well enough to let the rest of the daemon
// run end to end — an operator wires in a real implementation at this one
// call site (see the overlay.NewBridge call in run()) once a platform backend exists.
package main

import (
	"log/slog"
	"net"
)

type noopTunDevice struct {
	mtu int
}

func newNoopTunDevice(mtu int) *noopTunDevice {
	return &noopTunDevice{mtu: mtu}
}

// Read blocks forever: RunEgress is never started against this device,
// since there is nothing behind it to produce outbound packets.
func (d *noopTunDevice) Read(buf []byte) (int, error) {
	select {}
}

func (d *noopTunDevice) Write(buf []byte) (int, error) {
	slog.Debug("vntd: dropping inbound packet, no tun device configured", "bytes", len(buf))
	return len(buf), nil
}

func (d *noopTunDevice) Shutdown() error { return nil }

func (d *noopTunDevice) MTU() int { return d.mtu }

func (d *noopTunDevice) SetIP(ip, netmask net.IP) error { return nil }

func (d *noopTunDevice) SetMTU(mtu int) error {
	d.mtu = mtu
	return nil
}

func (d *noopTunDevice) AddRoute(network net.IP, mask net.IPMask) error    { return nil }
func (d *noopTunDevice) DeleteRoute(network net.IP, mask net.IPMask) error { return nil }
