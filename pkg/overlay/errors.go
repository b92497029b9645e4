package overlay

import "errors"

// ErrorClass buckets an error into the taxonomy the host uses to decide
// how to react: terminate, restart the session, log and drop, or stay
// silent.
type ErrorClass int

const (
	// ClassTransient covers a single failed send, a single failed punch,
	// or a malformed packet. Log at warn, drop, continue.
	ClassTransient ErrorClass = iota
	// ClassPolicy covers unauthorized source, unknown peer, TTL exhausted.
	// Silently drop; never notify the sender.
	ClassPolicy
	// ClassSession covers server decrypt failure or registration timeout.
	// Tear the server channel and restart handshake with backoff.
	ClassSession
	// ClassFatal covers TokenError, AddressExhausted, IpAlreadyExists,
	// InvalidIp, LocalIpExists, FailedToCreateDevice, crypto init failure.
	// Log, invoke the stop callback, exit.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPolicy:
		return "policy"
	case ClassSession:
		return "session"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CoreError wraps an underlying error with its taxonomy class.
type CoreError struct {
	Class ErrorClass
	Err   error
}

func (e *CoreError) Error() string { return e.Err.Error() }
func (e *CoreError) Unwrap() error { return e.Err }

func newErr(class ErrorClass, err error) *CoreError {
	return &CoreError{Class: class, Err: err}
}

// Packet parse/build errors. Every codec function returns one of these
// three sentinel-wrapped variants; nothing in the packet path panics.
var (
	ErrSmallBuffer   = errors.New("buffer too small")
	ErrInvalidPacket = errors.New("invalid packet")
	ErrUnimplemented = errors.New("unimplemented sub-protocol")
)

// Fatal errors, reported by the server during registration (§7a).
var (
	ErrTokenError            = newErr(ClassFatal, errors.New("token rejected by server"))
	ErrAddressExhausted      = newErr(ClassFatal, errors.New("virtual address space exhausted"))
	ErrIPAlreadyExists       = newErr(ClassFatal, errors.New("virtual ip already in use"))
	ErrInvalidIP             = newErr(ClassFatal, errors.New("invalid virtual ip request"))
	ErrLocalIPExists         = newErr(ClassFatal, errors.New("local ip conflicts with overlay"))
	ErrFailedToCreateDevice  = newErr(ClassFatal, errors.New("failed to create virtual device"))
	ErrCryptoInit            = newErr(ClassFatal, errors.New("cipher suite init failed"))
)

// Session errors.
var (
	ErrServerDecryptFailed   = newErr(ClassSession, errors.New("server channel decrypt failed"))
	ErrRegistrationTimeout   = newErr(ClassSession, errors.New("registration timed out"))
)

// Policy errors — never surfaced to the sender, just dropped.
var (
	ErrUnauthorizedSource = newErr(ClassPolicy, errors.New("unauthorized source ip"))
	ErrUnknownPeer        = newErr(ClassPolicy, errors.New("unknown peer"))
	ErrTTLExhausted       = newErr(ClassPolicy, errors.New("ttl exhausted"))
)

// ErrClosed names use of a Context after Stop has completed. Context has
// no Send method and nothing in this package returns ErrClosed; a write
// on a stopped Context fails with the closed socket's own error.
var ErrClosed = errors.New("context closed")

// Callbacks lets the host observe Fatal/Session events without the core
// depending on any particular CLI or process-management framework.
type Callbacks struct {
	// OnFatal is invoked exactly once, from the goroutine that detected
	// the fatal condition. The host typically logs and calls Stop.
	OnFatal func(err error)
	// OnSession is invoked whenever the server channel is torn down and
	// handshake restarts. May be invoked repeatedly.
	OnSession func(err error)
}

func (c *Callbacks) fireFatal(err error) {
	if c != nil && c.OnFatal != nil {
		c.OnFatal(err)
	}
}

func (c *Callbacks) fireSession(err error) {
	if c != nil && c.OnSession != nil {
		c.OnSession(err)
	}
}
