package api

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/bridge"
	"github.com/nerrad567/gray-logic-cast/internal/cast"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cast/internal/registry"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// fakeReceiver is a connected receiver with a volume and no running app.
type fakeReceiver struct {
	mu        sync.Mutex
	level     float64
	volumeErr error
	levels    []float64
}

func (f *fakeReceiver) Connect(context.Context, string) error { return nil }
func (f *fakeReceiver) Close() error                          { return nil }
func (f *fakeReceiver) SetHandlers(session.TransportHandlers)  {}

func (f *fakeReceiver) GetStatus(context.Context) (cast.ReceiverStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cast.ReceiverStatus{Volume: &cast.Volume{Level: f.level, StepInterval: 0.05}}, nil
}

func (f *fakeReceiver) SetVolume(_ context.Context, req cast.VolumeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.volumeErr != nil {
		return f.volumeErr
	}
	if req.Level != nil {
		f.levels = append(f.levels, *req.Level)
	}
	return nil
}

func (f *fakeReceiver) ListSessions(context.Context) ([]cast.Application, error) {
	return nil, nil
}

func (f *fakeReceiver) Join(context.Context, cast.Application) (session.MediaChannel, error) {
	return nil, errors.New("no media")
}

func (f *fakeReceiver) GetAppAvailability(_ context.Context, ids ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (f *fakeReceiver) Launch(_ context.Context, appID string) (cast.Application, error) {
	return cast.Application{AppID: appID, DisplayName: "Default Media Receiver"}, nil
}

func (f *fakeReceiver) Stop(context.Context, cast.Application) error { return nil }

func (f *fakeReceiver) setVolumeErr(err error) {
	f.mu.Lock()
	f.volumeErr = err
	f.mu.Unlock()
}

// fakeDevices is a fixed device directory.
type fakeDevices struct {
	mu       sync.Mutex
	devices  map[string]*session.Device
	pairing  registry.PairingStatus
	timeouts []time.Duration
}

func (f *fakeDevices) Get(id string) (*session.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	return d, ok
}

func (f *fakeDevices) List() []*session.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*session.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (f *fakeDevices) StartPairing(timeout time.Duration) registry.PairingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, timeout)
	if timeout == 0 {
		timeout = time.Minute
	}
	f.pairing = registry.PairingStatus{Mode: config.PairingModeWindow, Open: true, Deadline: time.Now().Add(timeout)}
	return f.pairing
}

func (f *fakeDevices) CancelPairing() registry.PairingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairing = registry.PairingStatus{Mode: config.PairingModeWindow}
	return f.pairing
}

func (f *fakeDevices) PairingStatus() registry.PairingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairing
}

func (f *fakeDevices) Stats() registry.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return registry.Stats{Devices: len(f.devices), Connected: len(f.devices)}
}

// fakeBridge records refreshes.
type fakeBridge struct {
	mu        sync.Mutex
	refreshed []string
}

func (f *fakeBridge) Refresh(d *session.Device) {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, d.ID())
	f.mu.Unlock()
}

func (f *fakeBridge) Metrics() bridge.Statistics {
	return bridge.Statistics{CommandsReceived: 3, StatesPublished: 7}
}

func (f *fakeBridge) refreshes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}

// fakeStateSource captures the relay subscription.
type fakeStateSource struct {
	mu        sync.Mutex
	connected bool
	topic     string
	handler   mqtt.MessageHandler
}

func (f *fakeStateSource) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic = topic
	f.handler = handler
	return nil
}

func (f *fakeStateSource) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// testEnv is a server over one connected device "tv" at volume 50.
type testEnv struct {
	srv      *Server
	receiver *fakeReceiver
	devices  *fakeDevices
	bridge   *fakeBridge
	mqtt     *fakeStateSource
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	rx := &fakeReceiver{level: 0.5}
	d := session.NewDevice(session.Options{
		ID:          "tv",
		Title:       "Living Room TV",
		Address:     "192.0.2.10:8009",
		Description: "Chromecast Ultra",
		Factory:     func() session.Transport { return rx },
	})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })

	env := &testEnv{
		receiver: rx,
		devices:  &fakeDevices{devices: map[string]*session.Device{"tv": d}},
		bridge:   &fakeBridge{},
		mqtt:     &fakeStateSource{connected: true},
	}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      testWSConfig(),
		Logger:  testLogger(),
		Devices: env.devices,
		Bridge:  env.bridge,
		MQTT:    env.mqtt,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	t.Cleanup(cancel)

	env.srv = srv
	return env
}
