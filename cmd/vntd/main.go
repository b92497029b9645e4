// Command vntd runs the overlay daemon: it loads a config file, opens
// the data-plane sockets, registers with the rendezvous server, and
// serves the local control plane. CLI flag parsing here is deliberately
// thin (spec.md §1 Non-goals excludes a full CLI); everything past flag
// parsing delegates to pkg/overlay and internal/config. Style follows
// the teacher's cmd/shurli/main.go: a flag set, a slog.SetDefault text
// handler, and a ctx that's cancelled on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shurlinet/vnt/internal/config"
	"github.com/shurlinet/vnt/internal/controlplane"
	"github.com/shurlinet/vnt/pkg/overlay"
)

var version = "dev" // set via -ldflags at release build time

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Println("vntd " + version)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *configPath == "" {
		slog.Error("vntd: -config is required")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("vntd: failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("vntd: shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, *configPath); err != nil {
		slog.Error("vntd: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	metrics := overlay.NewMetrics()
	octx := overlay.NewContext(cfg.FirstLatency, metrics, slog.Default())

	serverAddr, err := net.ResolveUDPAddr("udp4", cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("resolve server_address: %w", err)
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("bind udp socket: %w", err)
	}
	socket := &overlay.Socket{UDP: udpConn}
	octx.AddSocket(socket)

	if len(cfg.StunServer) > 0 {
		prober := overlay.NewNatProber(cfg.StunServer, metrics, slog.Default())
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info, err := prober.Probe(probeCtx, udpConn)
		cancel()
		if err != nil {
			slog.Warn("vntd: nat probe failed, continuing without it", "error", err)
		} else {
			octx.NAT.Store(info)
			slog.Info("vntd: nat probe complete", "nat_type", info.NatType, "public_port", info.PublicPort)
		}
	}

	serverKey, err := overlay.DeriveKey([]byte(cfg.Token), []byte(cfg.DeviceID), []byte("vnt-server-key"), 32)
	if err != nil {
		return fmt.Errorf("derive server key: %w", err)
	}
	serverCipher, err := overlay.NewCipher(overlay.CipherModel(cfg.CipherModel), serverKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	// peerCipher derives a key from the shared token with a virtual IP as
	// HKDF salt. The bridge keys every frame by its header's destination
	// (the target peer when sending, this node when receiving), and every
	// member of the overlay holds the same token, so sender and receiver
	// derive the same key without needing a separate per-pair handshake
	// beyond the one registration already ran against the server.
	peerCipher := func(peer net.IP) (overlay.Cipher, error) {
		key, err := overlay.DeriveKey([]byte(cfg.Token), peer.To4(), []byte("vnt-peer-key"), 32)
		if err != nil {
			return nil, err
		}
		return overlay.NewCipher(overlay.CipherModel(cfg.CipherModel), key)
	}

	var allow *overlay.AllowList
	if len(cfg.OutIPs) > 0 {
		allow, err = overlay.NewAllowList(cfg.OutIPs)
		if err != nil {
			return fmt.Errorf("parse out_ips: %w", err)
		}
	}

	params := overlay.RegistrationParams{
		Token:         cfg.Token,
		DeviceID:      cfg.DeviceID,
		Name:          cfg.Name,
		Version:       version,
		ServerEncrypt: cfg.ServerEncrypt,
	}
	if cfg.FixedIP != "" {
		params.VirtualIPRequest = net.ParseIP(cfg.FixedIP)
	}

	peerTable := overlay.NewPeerTable()
	punchTable := overlay.NewPunchTable()

	registrar := overlay.NewRegistrar(octx, socket, serverAddr, params,
		func([]byte) (overlay.Cipher, error) { return serverCipher, nil }, slog.Default())
	registrar.OnRegistered(func(resp *overlay.RegistrationResponse) {
		device := overlay.NewCurrentDevice(resp.VirtualIP, resp.VirtualGateway, resp.VirtualNetmask, serverAddr, resp.Epoch)
		octx.Device.Store(device)
		slog.Info("vntd: registered", "virtual_ip", resp.VirtualIP, "gateway", resp.VirtualGateway)
	})
	registrar.OnDeviceList(func(items []overlay.DeviceListItem) {
		for _, removed := range peerTable.ReconcileFromPush(items) {
			punchTable.Remove(removed)
		}
	})

	tun := newNoopTunDevice(cfg.MTU)
	bridge := overlay.NewBridge(octx, tun, peerCipher, serverCipher, nil, allow, serverAddr, socket)

	router := newFrameRouter()
	waitReaders := octx.StartReaders(ctx, router.handle)

	if _, err := registrar.Register(ctx, router.recv); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	var cpServer *controlplane.Server
	if cfg.ControlPlane.Enabled {
		dir := cfg.ControlPlane.CommandPortDir
		if dir == "" {
			dir, _ = config.DefaultConfigDir()
		}
		cpServer, err = controlplane.Listen(dir, newRuntimeInfo(octx, configPath))
		if err != nil {
			slog.Warn("vntd: control plane failed to start", "error", err)
		} else {
			go cpServer.Serve()
			defer cpServer.Close()
		}
	}

	heartbeat := overlay.NewHeartbeater(octx, func(dst net.IP, key overlay.RouteKey, seq uint16) error {
		device := octx.Device.Load()
		if device == nil {
			return overlay.ErrUnknownPeer
		}
		cipher, err := peerCipher(dst)
		if err != nil {
			return err
		}
		header := overlay.NewHeader(overlay.ClassControl, overlay.CtrlPing, device.VirtualIP, dst, 1)
		body := overlay.EncodePingBody(uint16(time.Now().UnixMilli()), uint16(device.Epoch))
		ct, err := cipher.Encrypt(header, body)
		if err != nil {
			return err
		}
		return writeFrame(octx, key, header, ct)
	}, func() error {
		return registrar.PullDeviceList()
	})

	punchDriver := overlay.NewPunchDriver(octx, punchTable, func(addr *net.UDPAddr, body []byte) error {
		return socket.WriteTo(body, addr)
	})

	disp := &dispatcher{
		octx: octx, bridge: bridge, heartbeat: heartbeat, registrar: registrar,
		punchTable: punchTable, server: serverAddr,
	}
	router.goLive(disp.handle)

	go heartbeat.Run(ctx)
	go runPunchDriver(ctx, octx, punchDriver)

	<-ctx.Done()
	octx.Stop()
	return waitReaders()
}

// runPunchDriver ticks the punch driver once per heartbeat interval,
// firing at most one fresh punch attempt per ready peer.
func runPunchDriver(ctx context.Context, octx *overlay.Context, driver *overlay.PunchDriver) {
	ticker := time.NewTicker(overlay.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-octx.Done():
			return
		case now := <-ticker.C:
			device := octx.Device.Load()
			if device == nil {
				continue
			}
			header := overlay.NewHeader(overlay.ClassOtherTurn, overlay.OtherTurnPunch, device.VirtualIP, net.IPv4zero, 1)
			body := overlay.EncodeFrame(&overlay.Frame{Header: header})
			driver.Tick(ctx, now, body)
		}
	}
}
