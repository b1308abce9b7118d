// Gray Logic Cast Bridge
//
// This is the main entry point for the Gray Logic cast bridge. It finds
// Cast receivers on the local network, keeps one session per receiver and
// mirrors their volume, power and playback state onto the Gray Logic hub
// over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-cast/internal/api"
	"github.com/nerrad567/gray-logic-cast/internal/bridge"
	"github.com/nerrad567/gray-logic-cast/internal/discovery"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cast/internal/registry"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic cast bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Bridge.ID)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"auth", cfg.MQTT.Auth.String(),
	)

	// Hub side of the bridge
	hub, err := bridge.NewBridge(bridge.Options{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		MQTTClient:     mqttClient,
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Retained state may have been missed while the broker was away.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing state")
		hub.Resync()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Receiver discovery and the device registry
	browser := discovery.NewBrowser(discovery.Config{
		Service:       cfg.Discovery.Service,
		Domain:        cfg.Discovery.Domain,
		Interval:      cfg.GetBrowseInterval(),
		Timeout:       cfg.GetBrowseTimeout(),
		MissThreshold: cfg.Discovery.MissThreshold,
		IPv6:          cfg.Discovery.IPv6,
		DefaultPort:   cfg.Cast.Port,
		Logger:        log.Component("discovery"),
	})

	devices := registry.New(registry.Config{
		Mode:           cfg.Pairing.Mode,
		PairingTimeout: cfg.GetPairingTimeout(),
		DefaultAppID:   cfg.Cast.DefaultAppID,
		CommandTimeout: cfg.GetCommandTimeout(),
		Transports:     newTransportFactory(cfg, log),
		Hub:            hub,
		Availability:   session.NewAvailabilityCache(cfg.GetAvailabilityTTL()),
		Logger:         log.Component("registry"),
	}, browser)
	hub.SetDevices(devices)
	browser.SetListener(devices)

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		hub.Stop()
	}()
	log.Info("bridge started", "bridge_id", cfg.Bridge.ID)

	defer func() {
		log.Info("closing receiver sessions")
		devices.Shutdown()
	}()

	if err := browser.Start(ctx); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}
	defer func() {
		log.Info("stopping discovery")
		browser.Stop()
	}()
	log.Info("discovery started",
		"service", cfg.Discovery.Service,
		"interval", cfg.GetBrowseInterval(),
	)

	status := devices.StartPairing(0)
	log.Info("pairing", "mode", status.Mode, "open", status.Open, "deadline", status.Deadline)

	// Management API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.Component("api"),
			Devices: devices,
			Bridge:  hub,
			MQTT:    mqttClient,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("management API disabled")
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: mqtt: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Discovery
	// 3. Receiver sessions
	// 4. Bridge (publishes "stopping" health)
	// 5. MQTT

	log.Info("Gray Logic cast bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CAST_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CAST_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
