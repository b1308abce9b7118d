package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/logging"
)

// writeConfig writes a config file and points GRAYLOGIC_CAST_CONFIG at it.
func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GRAYLOGIC_CAST_CONFIG", path)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CAST_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_InvalidPairingMode verifies validation runs before any connection.
func TestRun_InvalidPairingMode(t *testing.T) {
	writeConfig(t, `
bridge:
  id: test-bridge
pairing:
  mode: sometimes
logging:
  level: error
  format: text
`)

	err := run(context.Background())
	if err == nil {
		t.Fatal("run() should fail with an invalid pairing mode")
	}
	if !strings.Contains(err.Error(), "pairing.mode") {
		t.Errorf("error = %v, want pairing.mode validation failure", err)
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_CAST_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	t.Setenv("GRAYLOGIC_CAST_CONFIG", "/etc/graylogic/cast.yaml")
	if got := getConfigPath(); got != "/etc/graylogic/cast.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", got)
	}
}

// TestTransportFactory verifies each call yields an independent, unconnected client.
func TestTransportFactory(t *testing.T) {
	cfg := config.Default()
	factory := newTransportFactory(cfg, logging.Default())

	a, ok := factory().(*castTransport)
	if !ok {
		t.Fatal("factory did not return a *castTransport")
	}
	b := factory().(*castTransport)
	if a.client == b.client {
		t.Error("factory reused a client")
	}
	if a.client.IsConnected() {
		t.Error("new client is connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.ListSessions(ctx); err == nil {
		t.Error("ListSessions() on an unconnected client succeeded")
	}
	if _, err := a.Join(ctx, cast.Application{AppID: "CC1AD845"}); err == nil {
		t.Error("Join() without a transport id succeeded")
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// TestRun_StartupAndShutdown runs the full startup against a local broker.
// Requires an MQTT broker at 127.0.0.1:1883.
func TestRun_StartupAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("needs an MQTT broker")
	}
	writeConfig(t, `
bridge:
  id: test-bridge
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-cast-startup"
  reconnect:
    initial_delay: 1
    max_delay: 5
discovery:
  browse_interval: 60
  browse_timeout: 1
api:
  enabled: false
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Logf("run() returned error: %v (may be due to missing MQTT broker)", err)
	}
}
