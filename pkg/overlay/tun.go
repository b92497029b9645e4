// TunDevice is the interface the bridge (C9) reads/writes IP datagrams
// through. Actual TUN/TAP device creation is out of scope (spec.md
// Non-goals): this package only defines the seam an external
// collaborator implements per-OS, the way the teacher's daemon package
// defines RuntimeInfo as a seam rather than owning process management
// itself (internal/daemon/server.go).
package overlay

import "net"

// TunDevice reads and writes raw IP packets to/from the local kernel
// network stack. Read blocks until a packet is available or the device
// is closed, in which case it returns an error. SetIP/AddRoute/
// DeleteRoute are expected to be idempotent enough for the registration
// path to call them again on every re-registration without side effects
// beyond a no-op syscall.
type TunDevice interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Shutdown() error
	MTU() int
	SetIP(ip, netmask net.IP) error
	SetMTU(mtu int) error
	AddRoute(network net.IP, mask net.IPMask) error
	DeleteRoute(network net.IP, mask net.IPMask) error
}
