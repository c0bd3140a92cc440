package main

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestNewServeCmd(t *testing.T) {
	v := viper.New()
	cmd := newServeCmd(v)
	if cmd.Use != "serve" {
		t.Fatalf("Use = %q, want %q", cmd.Use, "serve")
	}
	for _, flag := range []string{"addr", "worker-command", "worker-args", "worker-id", "script-root", "status-addr", "metrics-addr"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("missing flag %q", flag)
		}
	}
}

func TestRunServe_MissingWorkerCommand(t *testing.T) {
	v := viper.New()
	v.Set("worker.script_root", t.TempDir())

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")

	if err := runServe(cmd, v); err == nil {
		t.Fatal("expected error when worker.command is unset")
	}
}

// TestRunServe_StartupHandshakeTimesOut launches a process that exits
// immediately without ever sending StartStream, so the handshake times out
// quickly instead of hanging the test suite.
func TestRunServe_StartupHandshakeTimesOut(t *testing.T) {
	v := viper.New()
	v.Set("worker.script_root", t.TempDir())
	v.Set("worker.command", "true")
	v.Set("worker.id", "test-worker")
	v.Set("transport.addr", "127.0.0.1:0")
	v.Set("transport.startup_timeout", 200*time.Millisecond)
	v.Set("observability.metrics_addr", "127.0.0.1:0")
	v.Set("observability.status_addr", "127.0.0.1:0")
	v.Set("observability.log_level", "error")

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	cmd.SetContext(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- runServe(cmd, v) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected startup handshake to fail without a real worker")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return within 5 seconds")
	}
}
