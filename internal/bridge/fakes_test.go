package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cast/internal/registry"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// published is one recorded MQTT publish.
type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTT records publishes and routes delivered messages to the
// subscribed handler.
type mockMQTT struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []published
	handlers   map[string]mqtt.MessageHandler
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, published{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// deliver hands a message to the handler whose single-level wildcard
// pattern matches the topic.
func (m *mockMQTT) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	var handler mqtt.MessageHandler
	for pattern, h := range m.handlers {
		if strings.HasPrefix(topic, strings.TrimSuffix(pattern, "+")) {
			handler = h
		}
	}
	m.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription matches %s", topic)
	}
	if err := handler(topic, payload); err != nil {
		t.Logf("handler returned %v", err)
	}
}

func (m *mockMQTT) reset() {
	m.mu.Lock()
	m.published = nil
	m.mu.Unlock()
}

// last returns the most recent publish on a topic.
func (m *mockMQTT) last(topic string) (published, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if m.published[i].topic == topic {
			return m.published[i], true
		}
	}
	return published{}, false
}

func (m *mockMQTT) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

// fakeReceiver is a connected receiver with a volume and an app list.
type fakeReceiver struct {
	mu        sync.Mutex
	level     float64
	muted     bool
	apps      []cast.Application
	volumeErr error
	levels    []float64
	stopped   []string
}

func (f *fakeReceiver) Connect(context.Context, string) error { return nil }
func (f *fakeReceiver) Close() error                          { return nil }
func (f *fakeReceiver) SetHandlers(session.TransportHandlers)  {}

func (f *fakeReceiver) GetStatus(context.Context) (cast.ReceiverStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cast.ReceiverStatus{Volume: &cast.Volume{Level: f.level, Muted: f.muted, StepInterval: 0.05}}, nil
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
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cast.Application(nil), f.apps...), nil
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
	return cast.Application{AppID: appID, DisplayName: "Default Media Receiver", SessionID: "s-1"}, nil
}

func (f *fakeReceiver) Stop(_ context.Context, app cast.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, app.AppID)
	return nil
}

// fakeDevices is a fixed device directory that records pairing calls.
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
	return out
}

func (f *fakeDevices) StartPairing(timeout time.Duration) registry.PairingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, timeout)
	f.pairing = registry.PairingStatus{Mode: registry.ModeWindow, Open: true, Deadline: time.Now().Add(timeout)}
	return f.pairing
}

func (f *fakeDevices) CancelPairing() registry.PairingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairing = registry.PairingStatus{Mode: registry.ModeWindow}
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

// testBridge is a started bridge with one connected device "tv".
type testBridge struct {
	bridge   *Bridge
	mqtt     *mockMQTT
	receiver *fakeReceiver
	devices  *fakeDevices
	topics   mqtt.Topics
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	m := newMockMQTT()
	b, err := NewBridge(Options{BridgeID: "cast-test", Version: "test", MQTTClient: m})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	rx := &fakeReceiver{level: 0.5}
	d := session.NewDevice(session.Options{
		ID:           "tv",
		Title:        "Living Room TV",
		Address:      "192.0.2.10:8009",
		Description:  "Chromecast Ultra",
		DefaultAppID: "CC1AD845",
		Factory:      func() session.Transport { return rx },
		Hub:          b,
	})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	devices := &fakeDevices{devices: map[string]*session.Device{"tv": d}}
	b.SetDevices(devices)

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		b.Stop()
		d.Close()
	})
	return &testBridge{bridge: b, mqtt: m, receiver: rx, devices: devices}
}

func (tb *testBridge) command(t *testing.T, deviceID string, cmd map[string]any) AckMessage {
	t.Helper()
	payload, _ := json.Marshal(cmd)
	tb.mqtt.deliver(t, tb.topics.Command(deviceID), payload)
	p, ok := tb.mqtt.last(tb.topics.Ack(deviceID))
	if !ok {
		t.Fatalf("no ack published for %s", deviceID)
	}
	var ack AckMessage
	if err := json.Unmarshal(p.payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func (tb *testBridge) request(t *testing.T, requestID string, req map[string]any) ResponseMessage {
	t.Helper()
	payload, _ := json.Marshal(req)
	tb.mqtt.deliver(t, tb.topics.Request(requestID), payload)
	p, ok := tb.mqtt.last(tb.topics.Response(requestID))
	if !ok {
		t.Fatalf("no response published for %s", requestID)
	}
	var resp ResponseMessage
	if err := json.Unmarshal(p.payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func (tb *testBridge) state(t *testing.T, deviceID string) StateMessage {
	t.Helper()
	p, ok := tb.mqtt.last(tb.topics.State(deviceID))
	if !ok {
		t.Fatalf("no state published for %s", deviceID)
	}
	if !p.retained {
		t.Errorf("state for %s not retained", deviceID)
	}
	var msg StateMessage
	if err := json.Unmarshal(p.payload, &msg); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return msg
}
