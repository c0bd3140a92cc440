package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/faaskit/hostchannel/internal/config"
	"github.com/faaskit/hostchannel/internal/eventbus"
	"github.com/faaskit/hostchannel/internal/filewatch"
	"github.com/faaskit/hostchannel/internal/observability"
	"github.com/faaskit/hostchannel/internal/worker"
	"github.com/faaskit/hostchannel/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the host-side control channel for a worker process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)

	logger := logging.New(obs.Logger)

	fns, err := discoverFunctions(cfg.Worker.ScriptRoot)
	if err != nil {
		return fmt.Errorf("discover functions: %w", err)
	}
	slog.Info("discovered functions", "count", len(fns), "script_root", cfg.Worker.ScriptRoot)

	bus := eventbus.New()
	obs.Shutdown.Register("eventbus", func(context.Context) error {
		bus.Close()
		return nil
	})

	transport, err := worker.ListenTransport(cfg.Transport.Addr, cfg.Worker.ID, bus, logger, obs.Metrics)
	if err != nil {
		return fmt.Errorf("listen transport: %w", err)
	}

	spawn := func(ctx context.Context) (worker.Process, error) {
		env := append(os.Environ(),
			"HOSTCHANNEL_ADDR="+cfg.Transport.Addr,
			"HOSTCHANNEL_WORKER_ID="+cfg.Worker.ID,
		)
		return worker.StartExecProcess(ctx, cfg.Worker.Command, cfg.Worker.Args, env, cfg.Worker.ScriptRoot)
	}

	ch := worker.New(worker.Config{
		WorkerID:       cfg.Worker.ID,
		HostVersion:    version,
		Language:       cfg.Worker.Language,
		Extensions:     cfg.Worker.Extensions,
		ScriptRoot:     cfg.Worker.ScriptRoot,
		StartupTimeout: cfg.Transport.StartupTimeout,
		InitTimeout:    cfg.Transport.InitTimeout,
		ReloadTimeout:  cfg.Transport.ReloadTimeout,
		Parallelism:    cfg.Dispatch.Parallelism,
		DebounceWindow: cfg.Dispatch.DebounceWindow,
	}, transport, bus, spawn, logger, obs.Metrics)
	obs.Shutdown.Register("channel", func(ctx context.Context) error {
		ch.Dispose(ctx)
		return nil
	})

	serveStatus(obs, cfg.Observability.StatusAddr, ch)

	if err := <-ch.StartWorkerProcessAsync(ctx); err != nil {
		return fmt.Errorf("worker startup handshake failed: %w", err)
	}
	obs.SetReady(true)

	ch.SetupFunctionInvocationBuffers(fns)
	if err := ch.SendFunctionLoadRequests(); err != nil {
		return fmt.Errorf("send function load requests: %w", err)
	}

	if len(cfg.Worker.Extensions) > 0 {
		if err := filewatch.Watch(ctx, cfg.Worker.ID, cfg.Worker.ScriptRoot, bus, logger); err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
	}

	restarts := bus.Subscribe(func(e eventbus.Event) bool {
		re, ok := e.(worker.HostRestartEvent)
		return ok && re.WorkerID == cfg.Worker.ID
	})
	go func() {
		for range restarts.C() {
			slog.Info("script change detected, reloading worker environment")
			if _, err := ch.SendFunctionEnvironmentReloadRequest(ctx, nil); err != nil {
				slog.Error("environment reload failed to send", "error", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		restarts.Unsubscribe()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := obs.Close(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("serving", "addr", cfg.Transport.Addr, "worker_id", cfg.Worker.ID, "metrics", cfg.Observability.MetricsAddr)
	<-ctx.Done()
	return nil
}

// functionManifest is the on-disk shape of one function's function.json,
// following the layout the reference host scans a script root for: one
// subdirectory per function, named after it.
type functionManifest struct {
	ScriptFile string            `json:"scriptFile"`
	EntryPoint string            `json:"entryPoint"`
	IsProxy    bool              `json:"isProxy"`
	Bindings   []bindingManifest `json:"bindings"`
}

type bindingManifest struct {
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Type      string `json:"type"`
	DataType  string `json:"dataType"`
}

// discoverFunctions scans root for one-level subdirectories containing a
// function.json and turns each into a worker.FunctionMetadata, using the
// directory name as both function id and name.
func discoverFunctions(root string) ([]*worker.FunctionMetadata, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var fns []*worker.FunctionMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(root, entry.Name(), "function.json")
		raw, err := os.ReadFile(manifestPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", manifestPath, err)
		}

		var m functionManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", manifestPath, err)
		}

		bindings := make([]worker.Binding, 0, len(m.Bindings))
		for _, b := range m.Bindings {
			bindings = append(bindings, worker.Binding{
				Name:      b.Name,
				Direction: parseDirection(b.Direction),
				Type:      b.Type,
				DataType:  b.DataType,
			})
		}

		fns = append(fns, &worker.FunctionMetadata{
			FunctionID: entry.Name(),
			Name:       entry.Name(),
			EntryPoint: m.EntryPoint,
			ScriptFile: m.ScriptFile,
			Directory:  filepath.Join(root, entry.Name()),
			IsProxy:    m.IsProxy,
			Bindings:   bindings,
		})
	}
	return fns, nil
}

// serveStatus starts a tiny HTTP server exposing ch.Snapshot() as JSON for
// the monitor command to poll; it is deliberately separate from the
// Prometheus metrics server since it carries structured, per-worker state
// rather than counters.
func serveStatus(obs *observability.Observability, addr string, ch *worker.Channel) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ch.Snapshot())
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("status server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status server error", "error", err)
		}
	}()

	obs.Shutdown.Register("status-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
}

func parseDirection(d string) worker.BindingDirection {
	switch d {
	case "out":
		return worker.BindingOut
	case "inout":
		return worker.BindingInOut
	default:
		return worker.BindingIn
	}
}
