// Local control plane (A5): a UDP command-port listener exposing the
// read-only introspection commands spec.md §6 names (list, route, info,
// chart_a, chart_b[:ip]) plus stop. Adapted from the teacher's
// internal/daemon Unix-socket API server, but over a loopback UDP
// socket with a "command-port" file, matching the original
// implementation's common/src/command/client.rs read_command_port /
// CommandClient protocol: a client reads the port from a well-known
// file, connects, sends one line, reads one YAML response.
package controlplane

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CommandPortFileName is the well-known filename a client reads to
// discover which port the daemon bound, mirroring the original's
// command-port file.
const CommandPortFileName = "command-port"

// clientReadTimeout is the write deadline for each reply the server
// sends and the deadline a client sets on its whole request/reply
// exchange; it does not bound the server's own lifetime.
const clientReadTimeout = 5 * time.Second

// RuntimeInfo is the seam the control plane consumes: everything it
// needs to know about the running daemon, without depending on
// pkg/overlay's internals directly (matching the teacher's
// RuntimeInfo-interface-as-seam pattern).
type RuntimeInfo interface {
	ListPeers() []PeerSummary
	Routes(virtualIP string) []RouteSummary
	Info() NodeSummary
	ChartA() []SampleSummary
	ChartB(virtualIP string) []SampleSummary
	Stop()

	// ReloadConfig stages newConfigPath as a commit-confirmed config
	// push: the new file replaces the config on disk at once (the
	// running daemon does not re-read it) and is reverted unless
	// ConfirmConfig is called before the deadline.
	ReloadConfig(newConfigPath string) error
	// ConfirmConfig makes the most recent ReloadConfig permanent.
	ConfirmConfig() error
}

// PeerSummary is one entry in the `list` command's response.
type PeerSummary struct {
	VirtualIP string `yaml:"virtual_ip"`
	Name      string `yaml:"name"`
	Status    string `yaml:"status"`
}

// RouteSummary is one entry in the `route` command's response.
type RouteSummary struct {
	Peer       string `yaml:"peer"`
	SocketIdx  int    `yaml:"socket_index"`
	RemoteAddr string `yaml:"remote_addr"`
	Metric     int    `yaml:"metric"`
	RTTMillis  int64  `yaml:"rtt_ms"`
}

// NodeSummary is the `info` command's response.
type NodeSummary struct {
	VirtualIP string `yaml:"virtual_ip"`
	NatType   string `yaml:"nat_type"`
	Uptime    string `yaml:"uptime"`
}

// SampleSummary is one throughput sample in a chart_a/chart_b response.
// Chart rendering itself is out of scope (spec.md §1 Non-goals); this
// carries the raw series a separate tool could render.
type SampleSummary struct {
	At         string `yaml:"at"`
	BytesSent  int64  `yaml:"bytes_sent"`
	BytesRecvd int64  `yaml:"bytes_recvd"`
}

// Server listens on a loopback UDP socket for single-datagram commands
// and replies with a single YAML-encoded datagram.
type Server struct {
	conn *net.UDPConn
	rt   RuntimeInfo
	dir  string
}

// Listen binds a loopback UDP socket on an OS-assigned port and writes
// that port to <dir>/command-port. dir is created if it does not exist.
func Listen(dir string, rt RuntimeInfo) (*Server, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("controlplane: create dir: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("controlplane: listen: %w", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	portFile := filepath.Join(dir, CommandPortFileName)
	if err := os.WriteFile(portFile, []byte(fmt.Sprintf("%d", port)), 0600); err != nil {
		conn.Close()
		return nil, fmt.Errorf("controlplane: write command-port file: %w", err)
	}
	return &Server{conn: conn, rt: rt, dir: dir}, nil
}

// Close stops the listener and removes the command-port file.
func (s *Server) Close() error {
	os.Remove(filepath.Join(s.dir, CommandPortFileName))
	return s.conn.Close()
}

// Serve handles commands until Close is called.
func (s *Server) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		cmd := strings.TrimSpace(string(buf[:n]))
		resp := s.handle(cmd)
		out, err := yaml.Marshal(resp)
		if err != nil {
			out = []byte(fmt.Sprintf("error: %v\n", err))
		}
		s.conn.SetWriteDeadline(time.Now().Add(clientReadTimeout))
		s.conn.WriteToUDP(out, from)
	}
}

func (s *Server) handle(cmd string) any {
	name, arg, _ := strings.Cut(cmd, ":")
	switch name {
	case "list":
		return s.rt.ListPeers()
	case "route":
		return s.rt.Routes(arg)
	case "info":
		return s.rt.Info()
	case "chart_a":
		return s.rt.ChartA()
	case "chart_b":
		return s.rt.ChartB(arg)
	case "stop":
		s.rt.Stop()
		return map[string]string{"result": "stopping"}
	case "reload_config":
		if err := s.rt.ReloadConfig(arg); err != nil {
			return map[string]string{"error": err.Error()}
		}
		return map[string]string{"result": "pending confirm_config"}
	case "confirm_config":
		if err := s.rt.ConfirmConfig(); err != nil {
			return map[string]string{"error": err.Error()}
		}
		return map[string]string{"result": "confirmed"}
	default:
		return map[string]string{"error": fmt.Sprintf("unknown command %q", name)}
	}
}

// ReadCommandPort reads the port a Server bound from <dir>/command-port,
// the client-side half of the original's read_command_port.
func ReadCommandPort(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, CommandPortFileName))
	if err != nil {
		return 0, err
	}
	var port int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &port); err != nil {
		return 0, fmt.Errorf("controlplane: malformed command-port file: %w", err)
	}
	return port, nil
}

// SendCommand is the client side of the protocol: it opens a UDP socket
// to 127.0.0.1:<port>, sends cmd, and returns the single response
// datagram, mirroring CommandClient.send_cmd.
func SendCommand(dir, cmd string) ([]byte, error) {
	port, err := ReadCommandPort(dir)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(clientReadTimeout))
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
