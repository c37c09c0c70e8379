package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shaunagostinho/ystudio/internal/recorder"
	"github.com/shaunagostinho/ystudio/internal/server"
	"github.com/shaunagostinho/ystudio/internal/window"
	"github.com/shaunagostinho/ystudio/internal/ylab"
	"github.com/shaunagostinho/ystudio/web"
)

func main() {
	configPath := flag.String("config", "/etc/ystudio/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated instrument")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	listModels := flag.Bool("list-models", false, "List instrument models and exit")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Device.Demo = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	if *listModels {
		for _, p := range ylab.Profiles() {
			fmt.Printf("%-10s %9d baud  fft %4d  banks %s\n", p.Model, p.BaudRate, p.FrameSize, strings.Join(p.Banks, ","))
		}
		return
	}
	if *listPorts {
		names, err := ylab.SystemPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, n := range ylab.FilterPrefix(names, cfg.Device.PortPrefix) {
			fmt.Println(n)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.Logging, *debug)
	slog.SetDefault(logger)
	logger.Info("ystudio starting", "model", cfg.Device.Model, "demo", cfg.Device.Demo)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	profile, err := cfg.Profile()
	if err != nil {
		logger.Error("resolve model", "error", err)
		os.Exit(1)
	}

	rec := recorder.New(cfg.RecorderConfig(), logger, recorder.NewMetrics(reg))

	deps := ylab.Deps{
		Open:    ylab.OpenSerial,
		Ports:   ylab.SystemPorts,
		Store:   window.NewStore(cfg.StoreConfig()),
		Sink:    rec,
		Logger:  logger,
		Metrics: ylab.NewMetrics(reg),
	}
	port := cfg.Device.Port
	if cfg.Device.Demo {
		deps.Open = ylab.DemoOpener(ylab.OpenSerial)
		deps.Ports = ylab.DemoPorts
		port = ylab.DemoPortName
	}
	machine := ylab.New(cfg.MachineConfig(), deps)

	go rec.Run(ctx)
	go machine.Run(ctx)

	if cfg.Device.AutoConnect || cfg.Device.Demo {
		go autoConnect(ctx, logger, machine, profile, port, cfg.Acquisition.AutoRead)
	}
	if cfg.Recording.AutoStart {
		go autoRecord(ctx, logger, machine, rec)
	}

	srv := server.New(cfg, machine, rec, web.FS, reg, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited", "error", err)
	}
	cancel()
	// let the loops close the port and the recording file
	time.Sleep(200 * time.Millisecond)
}

func setupLogging(cfg server.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler

	// If a path is set, use file logging with rotation
	if cfg.Path != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// autoConnect keeps the instrument connected: whenever the configured port
// shows up while disconnected it submits Connect (and Read unless the
// machine auto-reads). Failed attempts back off exponentially from 1s up
// to 60s.
func autoConnect(ctx context.Context, log *slog.Logger, m *ylab.Machine, p ylab.Profile, port string, autoRead bool) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}

		st := m.State()
		if st.Phase != ylab.Disconnected || !slices.Contains(st.Ports, port) {
			continue
		}

		attempt++
		if err := m.Submit(ctx, ylab.ConnectCmd(p, port)); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		switch m.State().Phase {
		case ylab.Disconnected:
			log.Warn("auto-connect failed", "port", port, "attempt", attempt, "retry_in", delay)
			delay = min(delay*2, maxDelay)
		case ylab.Connected:
			if !autoRead {
				m.Submit(ctx, ylab.ReadCmd())
			}
			fallthrough
		default:
			log.Info("auto-connected", "port", port, "attempt", attempt)
			delay, attempt = 1*time.Second, 0
		}
	}
}

// autoRecord starts one recording per reading session.
func autoRecord(ctx context.Context, log *slog.Logger, m *ylab.Machine, rec *recorder.Recorder) {
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	armed := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}

		if m.State().Phase != ylab.Reading {
			armed = true
			continue
		}
		if armed && rec.State().Phase == recorder.Idle {
			armed = false
			log.Info("auto-record starting")
			if err := rec.Submit(ctx, recorder.NewCmd("", "")); err != nil {
				return
			}
		}
	}
}
