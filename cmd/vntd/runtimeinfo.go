package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shurlinet/vnt/internal/config"
	"github.com/shurlinet/vnt/internal/controlplane"
	"github.com/shurlinet/vnt/pkg/overlay"
)

// commitConfirmedTimeout bounds how long an operator has to confirm a
// pushed config before it's automatically reverted.
const commitConfirmedTimeout = 2 * time.Minute

// runtimeInfo adapts an *overlay.Context to controlplane.RuntimeInfo.
type runtimeInfo struct {
	ctx        *overlay.Context
	startedAt  time.Time
	stop       func()
	configPath string
	snapshots  *config.SnapshotManager

	mu             sync.Mutex
	cancelEnforcer context.CancelFunc
}

func newRuntimeInfo(ctx *overlay.Context, configPath string) *runtimeInfo {
	dir := filepath.Join(filepath.Dir(configPath), "snapshots")
	return &runtimeInfo{
		ctx:        ctx,
		startedAt:  time.Now(),
		configPath: configPath,
		snapshots:  config.NewSnapshotManager(dir),
	}
}

func (r *runtimeInfo) ListPeers() []controlplane.PeerSummary {
	var out []controlplane.PeerSummary
	for _, ip := range r.ctx.Routes.Peers() {
		status := "offline"
		if best := r.ctx.Routes.Best(ip); best != nil {
			status = "online"
		}
		out = append(out, controlplane.PeerSummary{VirtualIP: ip.String(), Status: status})
	}
	return out
}

func (r *runtimeInfo) Routes(virtualIP string) []controlplane.RouteSummary {
	var out []controlplane.RouteSummary
	for _, ip := range r.ctx.Routes.Peers() {
		if virtualIP != "" && ip.String() != virtualIP {
			continue
		}
		for _, route := range r.ctx.Routes.Routes(ip) {
			out = append(out, controlplane.RouteSummary{
				Peer:       ip.String(),
				SocketIdx:  route.Key.SocketIndex,
				RemoteAddr: route.Key.RemoteAddr,
				Metric:     route.Metric,
				RTTMillis:  route.RTTMillis,
			})
		}
	}
	return out
}

func (r *runtimeInfo) Info() controlplane.NodeSummary {
	summary := controlplane.NodeSummary{Uptime: time.Since(r.startedAt).String()}
	if device := r.ctx.Device.Load(); device != nil {
		summary.VirtualIP = device.VirtualIP.String()
	}
	if nat := r.ctx.NAT.Load(); nat != nil {
		summary.NatType = nat.NatType.String()
	}
	return summary
}

func (r *runtimeInfo) ChartA() []controlplane.SampleSummary { return nil }

func (r *runtimeInfo) ChartB(string) []controlplane.SampleSummary { return nil }

func (r *runtimeInfo) Stop() {
	r.ctx.Stop()
}

// ReloadConfig snapshots the current config, then stages newConfigPath as
// a commit-confirmed push (internal/config's confirm.go): the new file
// replaces the config on disk at once (this process does not re-read
// it), and an EnforceCommitConfirmed goroutine reverts it and
// exits the process if ConfirmConfig isn't called within
// commitConfirmedTimeout, mirroring the teacher's systemd-restart-on-bad-
// config recovery path.
func (r *runtimeInfo) ReloadConfig(newConfigPath string) error {
	if _, err := r.snapshots.Create(filepath.Dir(r.configPath), []string{filepath.Base(r.configPath)}); err != nil {
		r.ctx.Logger.Warn("vntd: pre-reload snapshot failed, continuing anyway", "error", err)
	}

	if err := config.ApplyCommitConfirmed(r.configPath, newConfigPath, commitConfirmedTimeout); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	r.mu.Lock()
	if r.cancelEnforcer != nil {
		r.cancelEnforcer()
	}
	enforceCtx, cancel := context.WithCancel(context.Background())
	r.cancelEnforcer = cancel
	r.mu.Unlock()

	deadline := time.Now().Add(commitConfirmedTimeout)
	go config.EnforceCommitConfirmed(enforceCtx, r.configPath, deadline, os.Exit)
	return nil
}

// ConfirmConfig makes the most recently pushed config permanent and
// stops the pending EnforceCommitConfirmed timer.
func (r *runtimeInfo) ConfirmConfig() error {
	if err := config.Confirm(r.configPath); err != nil {
		return fmt.Errorf("confirm config: %w", err)
	}
	r.mu.Lock()
	if r.cancelEnforcer != nil {
		r.cancelEnforcer()
		r.cancelEnforcer = nil
	}
	r.mu.Unlock()
	return nil
}
