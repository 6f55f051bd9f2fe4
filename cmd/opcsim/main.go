// Package main implements the entry point for opcsim, an industrial
// data source simulator. It replays CSV datasets as live protocol
// variables and lets operators hot-swap the active dataset while
// clients stay connected.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joakimbrandstrom/OPC-UA-Sim/component"
	"github.com/joakimbrandstrom/OPC-UA-Sim/config"
	"github.com/joakimbrandstrom/OPC-UA-Sim/dataset"
	"github.com/joakimbrandstrom/OPC-UA-Sim/engine"
	"github.com/joakimbrandstrom/OPC-UA-Sim/metric"
	"github.com/joakimbrandstrom/OPC-UA-Sim/natsclient"
	"github.com/joakimbrandstrom/OPC-UA-Sim/output/natsmirror"
	"github.com/joakimbrandstrom/OPC-UA-Sim/protocol"
	"github.com/joakimbrandstrom/OPC-UA-Sim/web"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "opcsim"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("starting opcsim",
		"version", Version,
		"endpoint", cfg.Protocol.Endpoint,
		"data_dir", cfg.Datasets.Dir,
		"row_interval", cfg.Playback.RowInterval.Std())

	metricsRegistry := metric.NewMetricsRegistry()

	store, err := dataset.NewStore(cfg.Datasets.Dir, cfg.Datasets.TimeColumn,
		logger.With("component", "dataset-store"))
	if err != nil {
		return fmt.Errorf("create dataset store: %w", err)
	}
	if err := store.LoadDir(); err != nil {
		return fmt.Errorf("load dataset directory: %w", err)
	}

	protocolServer := protocol.NewServer(protocol.Config{
		Endpoint:        cfg.Protocol.Endpoint,
		Path:            cfg.Protocol.Path,
		NamespaceURI:    cfg.Protocol.NamespaceURI,
		MachineName:     cfg.Protocol.MachineName,
		MetricsRegistry: metricsRegistry,
	})

	// The NATS mirror is optional; without a URL rows go nowhere but
	// the protocol clients.
	var sink engine.RowSink
	var mirror *natsmirror.Mirror
	if cfg.NATS.URL != "" {
		client := natsclient.NewClient(cfg.NATS.URL, appName, logger.With("component", "natsclient"))
		mirror = natsmirror.New(client, cfg.NATS.SubjectPrefix, metricsRegistry,
			logger.With("component", "natsmirror"))
		sink = mirror
	}

	streamEngine := engine.New(engine.Deps{
		Store:  store,
		Server: protocolServer,
		Sink:   sink,
		Config: engine.Config{
			RowInterval: cfg.Playback.RowInterval.Std(),
			CycleDelay:  cfg.Playback.CycleDelay.Std(),
		},
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "engine"),
	})

	components := []component.Component{protocolServer, streamEngine}
	if mirror != nil {
		components = append(components, mirror)
	}

	webServer := web.NewServer(web.Config{
		Addr:            cfg.Web.Addr,
		Store:           store,
		Playback:        streamEngine,
		Components:      components,
		MetricsRegistry: metricsRegistry,
	})

	manager := component.NewManager(logger.With("component", "manager"))
	manager.Add(protocolServer)
	if mirror != nil {
		manager.Add(mirror)
	}
	manager.Add(streamEngine)
	manager.Add(webServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	if cfg.Datasets.Default != "" {
		if err := store.Activate(cfg.Datasets.Default); err != nil {
			slog.Warn("default dataset not activated", "dataset", cfg.Datasets.Default, "error", err)
		}
	}

	slog.Info("opcsim running",
		"protocol", protocolServer.Addr(),
		"web", webServer.Addr(),
		"datasets", len(store.List()))

	<-ctx.Done()
	slog.Info("shutdown signal received")

	if err := manager.StopAll(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("stop components: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
