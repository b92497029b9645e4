package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error if a config file grants
// group or others any permission bit (mode & 0077). Config files carry a
// shared token that is effectively a network-wide credential. A file that
// cannot be stat'ed is not reported here; the caller handles that error.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and parses a Config from path, applying Default() for any
// zero-valued field Default sets. Config files written before versioning
// was added default to version 1.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename), archiving the
// previous contents first so Rollback can recover from a bad write
// (mirrors the snapshot-before-write pattern in archive.go).
func Save(cfg *Config, path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := Archive(path); err != nil {
			return fmt.Errorf("save: archive previous config: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("save: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save: rename: %w", err)
	}
	return nil
}

// Default returns a Config with every field spec.md §6 gives a default
// for.
func Default() *Config {
	return &Config{
		Version:        CurrentConfigVersion,
		MTU:            1420,
		CipherModel:    "aes_gcm",
		PunchModel:     "all",
		UseChannelType: "p2p",
		Parallel:       1,
		ControlPlane: ControlPlaneConfig{
			Enabled: true,
		},
	}
}

// Validate checks the fields the core cannot safely start without.
// CIDR-shaped fields (InIPs, OutIPs, FixedIP) are validated eagerly here
// rather than deep inside pkg/overlay, so a typo in a config file fails
// at load time, not on the first packet that exercises it.
func Validate(cfg *Config) error {
	if cfg.Token == "" {
		return fmt.Errorf("token is required")
	}
	if cfg.ServerAddress == "" {
		return fmt.Errorf("server_address is required")
	}
	if cfg.MTU <= 0 || cfg.MTU > 9000 {
		return fmt.Errorf("mtu must be between 1 and 9000, got %d", cfg.MTU)
	}
	for _, c := range cfg.InIPs {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("in_ips: %w", err)
		}
	}
	for _, c := range cfg.OutIPs {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("out_ips: %w", err)
		}
	}
	if cfg.FixedIP != "" && net.ParseIP(cfg.FixedIP) == nil {
		return fmt.Errorf("fixed_ip %q is not a valid IP", cfg.FixedIP)
	}
	switch cfg.CipherModel {
	case "aes_gcm", "chacha20_poly1305", "aes_cbc", "aes_ecb", "sm4_cbc", "finger", "none":
	default:
		return fmt.Errorf("unknown cipher_model %q", cfg.CipherModel)
	}
	return nil
}

// DefaultConfigDir returns the default vnt config directory
// (~/.config/vnt).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "vnt"), nil
}
