package controlplane

import (
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

var errReloadForTest = errors.New("reload failed")

type fakeRuntime struct {
	stopped        bool
	reloadedPath   string
	reloadErr      error
	confirmCalled  bool
	confirmErr     error
}

func (f *fakeRuntime) ListPeers() []PeerSummary {
	return []PeerSummary{{VirtualIP: "10.0.0.2", Name: "peer-b", Status: "online"}}
}

func (f *fakeRuntime) Routes(virtualIP string) []RouteSummary {
	return []RouteSummary{{Peer: virtualIP, SocketIdx: 0, RemoteAddr: "203.0.113.9:12345", Metric: 1, RTTMillis: 12}}
}

func (f *fakeRuntime) Info() NodeSummary {
	return NodeSummary{VirtualIP: "10.0.0.1", NatType: "cone", Uptime: "1h0m0s"}
}

func (f *fakeRuntime) ChartA() []SampleSummary { return nil }
func (f *fakeRuntime) ChartB(string) []SampleSummary { return nil }
func (f *fakeRuntime) Stop()                   { f.stopped = true }

func (f *fakeRuntime) ReloadConfig(newConfigPath string) error {
	f.reloadedPath = newConfigPath
	return f.reloadErr
}

func (f *fakeRuntime) ConfirmConfig() error {
	f.confirmCalled = true
	return f.confirmErr
}

func TestListRouteInfoCommands(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{}
	srv, err := Listen(dir, rt)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	resp, err := SendCommand(dir, "list")
	if err != nil {
		t.Fatalf("SendCommand list: %v", err)
	}
	var peers []PeerSummary
	if err := yaml.Unmarshal(resp, &peers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(peers) != 1 || peers[0].VirtualIP != "10.0.0.2" {
		t.Errorf("peers = %+v", peers)
	}

	resp, err = SendCommand(dir, "info")
	if err != nil {
		t.Fatalf("SendCommand info: %v", err)
	}
	var info NodeSummary
	if err := yaml.Unmarshal(resp, &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.VirtualIP != "10.0.0.1" {
		t.Errorf("info = %+v", info)
	}
}

func TestStopCommandInvokesRuntime(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{}
	srv, err := Listen(dir, rt)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	if _, err := SendCommand(dir, "stop"); err != nil {
		t.Fatalf("SendCommand stop: %v", err)
	}
	if !rt.stopped {
		t.Error("expected Stop to have been called")
	}
}

func TestReloadAndConfirmConfigCommands(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{}
	srv, err := Listen(dir, rt)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	resp, err := SendCommand(dir, "reload_config:/tmp/new-config.yaml")
	if err != nil {
		t.Fatalf("SendCommand reload_config: %v", err)
	}
	if rt.reloadedPath != "/tmp/new-config.yaml" {
		t.Errorf("reloadedPath = %q, want /tmp/new-config.yaml", rt.reloadedPath)
	}
	var m map[string]string
	if err := yaml.Unmarshal(resp, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["error"] != "" {
		t.Errorf("unexpected error in response: %+v", m)
	}

	if _, err := SendCommand(dir, "confirm_config"); err != nil {
		t.Fatalf("SendCommand confirm_config: %v", err)
	}
	if !rt.confirmCalled {
		t.Error("expected ConfirmConfig to have been called")
	}
}

func TestReloadConfigErrorIsSurfaced(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{reloadErr: errReloadForTest}
	srv, err := Listen(dir, rt)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	resp, err := SendCommand(dir, "reload_config:/tmp/new-config.yaml")
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	var m map[string]string
	if err := yaml.Unmarshal(resp, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["error"] == "" {
		t.Errorf("expected an error field, got %+v", m)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	dir := t.TempDir()
	srv, err := Listen(dir, &fakeRuntime{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	resp, err := SendCommand(dir, "bogus")
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	var m map[string]string
	if err := yaml.Unmarshal(resp, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["error"] == "" {
		t.Errorf("expected an error field, got %+v", m)
	}
}
