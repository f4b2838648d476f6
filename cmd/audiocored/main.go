// Command audiocored is the thin wiring entrypoint: load config,
// configure logging, build the configured IoDevs, start the audio
// thread, and serve the control socket until signaled to stop.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/riverreach/audiocore/internal/config"
	"github.com/riverreach/audiocore/internal/logging"
	"github.com/riverreach/audiocore/pkg/audiothread"
	"github.com/riverreach/audiocore/pkg/format"
	"github.com/riverreach/audiocore/pkg/iodev"
	"github.com/riverreach/audiocore/pkg/rclient"
	"github.com/riverreach/audiocore/pkg/stream"
)

func main() {
	configPath := flag.String("config", "/etc/audiocore/config.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}

	logFile, err := logging.Configure(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("configuring logger", "err", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	log := slog.Default().With("component", "audiocored")
	log.Info("starting", "socket_path", cfg.SocketPath, "devices", len(cfg.Devices))

	audioFds := rclient.NewAudioFdTable()
	thread, err := audiothread.New(audioFds, log)
	if err != nil {
		log.Error("constructing audio thread", "err", err)
		os.Exit(1)
	}
	go thread.Run()
	defer thread.Stop()

	resolver := rclient.NewStaticDeviceResolver()
	defaultFmt := format.Format{
		SampleFormat: format.S16LE,
		FrameRate:    48000,
		NumChannels:  2,
		Layout:       format.DefaultStereoLayout(),
	}

	fallbackDeviceID := -1
	for streamType, dc := range cfg.Devices {
		dir := stream.Output
		if dc.Direction == "input" {
			dir = stream.Input
		}

		dev := iodev.New(dir, buildOps(dc))
		if err := dev.Configure(defaultFmt, dc.BufferFrames, dc.CbThreshold, dc.MinCbLevel); err != nil { // bufferSize, minBufferLevel=cb_threshold, minCbLevel
			log.Error("configuring device", "name", dc.Name, "err", err)
			os.Exit(1)
		}

		cmd := audiothread.NewCommand(audiothread.CmdAddDevice)
		cmd.Device = dev
		thread.Submit(cmd)
		if err := cmd.Wait(); err != nil {
			log.Error("attaching device", "name", dc.Name, "err", err)
			os.Exit(1)
		}

		resolver.Register(uint32(streamType), cmd.DeviceID, dev)
		log.Info("registered device", "name", dc.Name, "kind", dc.Kind, "device_id", cmd.DeviceID)

		// The first configured silent device doubles as the fallback a
		// DeviceFatal device's streams are migrated onto (spec.md §4.4).
		if dc.Kind == "silent" && fallbackDeviceID == -1 {
			fallbackDeviceID = cmd.DeviceID
		}
	}
	if fallbackDeviceID != -1 {
		thread.SetFallbackDevice(fallbackDeviceID)
		log.Info("configured fallback device", "device_id", fallbackDeviceID)
	}

	srv, err := rclient.NewServer(cfg.SocketPath, thread, resolver, audioFds, log)
	if err != nil {
		log.Error("binding control socket", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		srv.Stop()
	}()

	srv.Serve(rclient.NewPolicy(rclient.ClientFullControl))
}

// buildOps constructs the Ops implementation named by dc.Kind. A2DP
// and HFP devices are wired up by a separate Bluetooth-stack
// connection manager outside this binary's scope (spec.md's non-goal
// on BlueZ/Floss discovery); only the locally-constructible kinds are
// built here.
func buildOps(dc config.DeviceConfig) iodev.Ops {
	switch dc.Kind {
	case "pcm":
		return iodev.NewPcmOps(directionOf(dc), dc.PortAudioID, dc.BufferFrames)
	case "loopback":
		return iodev.NewLoopbackOps(dc.BufferFrames)
	default:
		return iodev.NewSilentOps(dc.BufferFrames)
	}
}

func directionOf(dc config.DeviceConfig) stream.Direction {
	if dc.Direction == "input" {
		return stream.Input
	}
	return stream.Output
}
