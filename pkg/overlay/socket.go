// Channel/context (C4, spec.md §4.4): the socket set a node reads and
// writes frames through, and the shared Context each reader goroutine
// and periodic task closes over. Grounded on the teacher's
// PeerManager/PathDialer goroutine-per-resource shape
// (pkg/p2pnet/peermanager.go, pathdialer.go) and on the original
// implementation's one-reader-goroutine-per-socket channel layer.
package overlay

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Socket is one physical transport a Context reads frames from and
// writes frames to: either a single shared UDP socket (socket_index
// distinguishes multiple UDP sockets opened to survive symmetric-NAT
// port exhaustion, §4.3) or one TCP connection to the rendezvous
// server (§4.4 TCP fallback).
type Socket struct {
	Index int
	IsTCP bool
	UDP   *net.UDPConn
	TCP   net.Conn // framed with a 4-byte big-endian length prefix
}

// WriteTo sends a frame to addr (UDP) or writes it length-prefixed to
// the TCP connection (addr is ignored for TCP: it is a point-to-point
// stream to the server).
func (s *Socket) WriteTo(frame []byte, addr *net.UDPAddr) error {
	if s.IsTCP {
		return writeTCPFrame(s.TCP, frame)
	}
	_, err := s.UDP.WriteToUDP(frame, addr)
	return err
}

func writeTCPFrame(conn net.Conn, frame []byte) error {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(frame) >> 24)
	lenBuf[1] = byte(len(frame) >> 16)
	lenBuf[2] = byte(len(frame) >> 8)
	lenBuf[3] = byte(len(frame))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

// ReadTCPFrame reads one length-prefixed frame from conn. Raising the
// original wire's byte-oriented framing to a 4-byte length prefix
// resolves the ambiguity the distilled spec left open around TCP
// message boundaries.
func ReadTCPFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	buf := make([]byte, n)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// FrameHandler is invoked for every frame a reader goroutine decodes,
// tagged with the RouteKey it arrived on.
type FrameHandler func(frame *Frame, from RouteKey, addr *net.UDPAddr)

// Context is the shared state every socket reader goroutine and
// periodic task (heartbeat, idle, NAT re-probe, re-registration)
// closes over. One Context per running daemon.
type Context struct {
	mu      sync.RWMutex
	sockets map[int]*Socket
	nextIdx int

	Device   DeviceCell
	Routes   *RouteTable
	NAT      atomicNatInfo
	Metrics  *Metrics
	Logger   *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewContext builds an empty Context. firstLatency selects the route
// table's ordering mode.
func NewContext(firstLatency bool, metrics *Metrics, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		sockets: make(map[int]*Socket),
		Routes:  NewRouteTable(firstLatency),
		Metrics: metrics,
		Logger:  logger,
		closed:  make(chan struct{}),
	}
}

// AddSocket registers a new socket and assigns it the next socket_index.
func (c *Context) AddSocket(s *Socket) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.nextIdx
	c.nextIdx++
	s.Index = idx
	c.sockets[idx] = s
	return idx
}

// Socket returns the socket registered at idx, or nil.
func (c *Context) Socket(idx int) *Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sockets[idx]
}

// Sockets returns a snapshot of every registered socket.
func (c *Context) Sockets() []*Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		out = append(out, s)
	}
	return out
}

// Done returns a channel closed once Stop has run.
func (c *Context) Done() <-chan struct{} {
	return c.closed
}

// Stop closes every registered socket exactly once and signals Done.
func (c *Context) Stop() {
	c.closeOnce.Do(func() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		for _, s := range c.sockets {
			if s.IsTCP {
				s.TCP.Close()
			} else {
				s.UDP.Close()
			}
		}
		close(c.closed)
	})
}

// StartReaders launches one ReadLoop goroutine per currently-registered
// socket under an errgroup.Group (matching the teacher's
// reconnectLoop/probeLoop pattern of one ticking goroutine per concern,
// supervised together). Each goroutine returns nil when its loop ends,
// so one socket's read failure does not stop the other readers;
// cancelling runCtx or calling Stop ends them all. It returns
// immediately; call the returned function to block until every reader
// has exited.
func (c *Context) StartReaders(runCtx context.Context, handle FrameHandler) func() error {
	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range c.Sockets() {
		s := s
		g.Go(func() error {
			c.ReadLoop(gctx, s, handle)
			return nil
		})
	}
	return g.Wait
}

// ReadLoop runs a socket's read loop until ctx is cancelled or the
// socket closes, dispatching decoded frames to handle. One goroutine
// per socket, mirroring the original per-socket reader (§4.4).
func (c *Context) ReadLoop(ctx context.Context, s *Socket, handle FrameHandler) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}
		if s.IsTCP {
			raw, err := ReadTCPFrame(s.TCP)
			if err != nil {
				c.Logger.Warn("tcp socket read failed", "error", err)
				return
			}
			frame, err := DecodeFrame(raw)
			if err != nil {
				c.Logger.Debug("dropping malformed tcp frame", "error", err)
				continue
			}
			handle(frame, RouteKey{IsTCP: true, SocketIndex: s.Index}, nil)
			continue
		}
		n, addr, err := s.UDP.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			default:
				c.Logger.Warn("udp socket read failed", "error", err)
				return
			}
		}
		frame, err := DecodeFrame(buf[:n])
		if err != nil {
			c.Logger.Debug("dropping malformed udp frame", "error", err, "from", addr)
			continue
		}
		key := RouteKey{SocketIndex: s.Index, RemoteAddr: addr.String()}
		handle(frame, key, addr)
	}
}

// atomicNatInfo publishes a *NatInfo lock-free, the same pattern
// DeviceCell uses for CurrentDevice.
type atomicNatInfo struct {
	mu   sync.RWMutex
	info *NatInfo
}

func (a *atomicNatInfo) Load() *NatInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

func (a *atomicNatInfo) Store(info *NatInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info = info
}
