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

	"github.com/mveit/intercom/pkg/audio"
	"github.com/mveit/intercom/pkg/logging"
	"github.com/mveit/intercom/pkg/node"
	"github.com/mveit/intercom/pkg/protocol"
	"github.com/mveit/intercom/pkg/settings"
	"github.com/mveit/intercom/pkg/transport"
)

func main() {
	configPath := flag.String("config", "intercom.yaml", "Settings file (YAML)")
	ifaceName := flag.String("iface", "", "Network interface for multicast and device identity (default: first usable)")
	inputName := flag.String("input", "", "Capture device name (default: system default)")
	outputName := flag.String("output", "", "Playback device name (default: system default)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if err := logging.Setup(logging.Options{Level: *logLevel, Format: *logFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	cfg, err := settings.Load(*configPath)
	if err != nil {
		slog.Error("load settings", "path", *configPath, "err", err)
		os.Exit(1)
	}
	store := settings.NewStore(cfg)

	ifi, err := pickInterface(*ifaceName)
	if err != nil {
		slog.Error("network interface", "err", err)
		os.Exit(1)
	}
	id, err := protocol.DeriveDeviceID(ifi.HardwareAddr)
	if err != nil {
		slog.Error("device id", "iface", ifi.Name, "err", err)
		os.Exit(1)
	}
	slog.Info("intercom starting",
		"device_id", id,
		"iface", ifi.Name,
		"room", cfg.Room,
		"group", protocol.MulticastGroup,
		"port", protocol.AudioPort,
	)

	audio.InitBackground()
	defer audio.Terminate()

	// The canceller is optional equipment: without it the node transmits
	// raw capture and logs the degradation once.
	var ref *audio.RefStream
	aec, err := audio.NewAEC()
	if err != nil {
		slog.Warn("echo cancellation unavailable, transmitting raw capture", "err", err)
		aec = nil
	} else {
		ref = aec.Reference()
	}

	capture, err := audio.NewCaptureDevice(*inputName)
	if err != nil {
		slog.Error("capture device", "err", err)
		os.Exit(1)
	}
	if err := capture.Start(); err != nil {
		slog.Error("start capture", "err", err)
		os.Exit(1)
	}
	defer capture.Stop()

	playback, err := audio.NewPlaybackDevice(*outputName, ref)
	if err != nil {
		slog.Error("playback device", "err", err)
		os.Exit(1)
	}
	if err := playback.Start(); err != nil {
		slog.Error("start playback", "err", err)
		os.Exit(1)
	}
	defer playback.Stop()

	tr := transport.New(transport.Config{
		Group:     protocol.MulticastGroup,
		Interface: ifi.Name,
	})
	if err := tr.Start(); err != nil {
		slog.Error("start transport", "err", err)
		os.Exit(1)
	}
	defer tr.Stop()

	engine, err := node.New(node.Config{
		ID:       id,
		Capture:  capture,
		Render:   playback,
		Sender:   tr,
		Packets:  tr.Packets(),
		Rejoiner: tr,
		Store:    store,
		AEC:      aec,
	})
	if err != nil {
		slog.Error("engine", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		for ev := range engine.Events() {
			slog.Info("state change",
				"from", ev.From,
				"to", ev.To,
				"sender", ev.Sender,
				"priority", ev.Priority,
			)
		}
	}()

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("intercom stopped")
}

// pickInterface returns the named interface, or the first up non-loopback
// interface with a hardware address.
func pickInterface(name string) (*net.Interface, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", name, err)
		}
		return ifi, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(ifi.HardwareAddr) >= 6 {
			return ifi, nil
		}
	}
	return nil, fmt.Errorf("no usable network interface found")
}
