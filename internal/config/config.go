package config

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the full set of runtime settings a node needs, matching
// spec.md §6's key list exactly. It is the shape pkg/overlay consumes;
// it does not parse os.Args or flags — CLI argument parsing stays an
// excluded collaborator (spec.md §1 Non-goals).
type Config struct {
	Version int `yaml:"version,omitempty"`

	// Identity and registration.
	Token    string `yaml:"token"`
	DeviceID string `yaml:"device_id"`
	Name     string `yaml:"name"`

	// Rendezvous server.
	ServerAddress string   `yaml:"server_address"`
	StunServer    []string `yaml:"stun_server"`

	// Overlay routing.
	InIPs  []string `yaml:"in_ips"`  // CIDRs reached through a gateway peer (external_route)
	OutIPs []string `yaml:"out_ips"` // CIDRs this node accepts forwarded inbound traffic for (allow-list)

	// Transport and cipher.
	Password      string `yaml:"password"`
	MTU           int    `yaml:"mtu"`
	TCP           bool   `yaml:"tcp"`
	FixedIP       string `yaml:"fixed_ip,omitempty"`
	ServerEncrypt bool   `yaml:"server_encrypt"`
	Parallel      int    `yaml:"parallel"` // extra UDP sockets to open (symmetric-NAT mitigation)
	CipherModel   string `yaml:"cipher_model"`
	Finger        bool   `yaml:"finger"`

	// Punching and routing behavior.
	PunchModel   string `yaml:"punch_model"` // "ipv4", "ipv6", "all"
	Ports        []int  `yaml:"ports"`       // local UDP ports to bind, beyond the first
	FirstLatency bool   `yaml:"first_latency"`

	DeviceName     string `yaml:"device_name"`
	UseChannelType string `yaml:"use_channel_type"` // "p2p", "relay", "all"

	// Ambient: control plane and metrics, not part of the wire protocol
	// but required for a runnable daemon (A5, A3).
	ControlPlane ControlPlaneConfig `yaml:"control_plane,omitempty"`
	Telemetry    TelemetryConfig    `yaml:"telemetry,omitempty"`
}

// ControlPlaneConfig configures the local UDP command-port listener
// (internal/controlplane, A5).
type ControlPlaneConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CommandPortDir string `yaml:"command_port_dir,omitempty"` // where the "command-port" file is written
}

// TelemetryConfig controls Prometheus metrics exposure (A3).
type TelemetryConfig struct {
	MetricsEnabled       bool   `yaml:"metrics_enabled"`
	MetricsListenAddress string `yaml:"metrics_listen_address,omitempty"`
}
