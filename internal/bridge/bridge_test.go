package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cast/internal/registry"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

func TestNewBridgeRequiresMQTT(t *testing.T) {
	if _, err := NewBridge(Options{}); !errors.Is(err, ErrMQTTRequired) {
		t.Errorf("NewBridge() error = %v, want ErrMQTTRequired", err)
	}
}

func TestStartSubscribesToCommandsAndRequests(t *testing.T) {
	tb := newTestBridge(t)

	for _, topic := range []string{tb.topics.AllCommands(), tb.topics.AllRequests()} {
		if _, ok := tb.mqtt.handlers[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}
}

func TestRegistrationPublishesRetainedState(t *testing.T) {
	tb := newTestBridge(t)

	msg := tb.state(t, "tv")
	if msg.Title != "Living Room TV" || msg.Description != "Chromecast Ultra" || msg.Protocol != "cast" {
		t.Errorf("descriptor fields = %+v", msg)
	}
	if !msg.Reachable {
		t.Error("registered device should be reachable")
	}
	want := map[string]any{"volume": 50.0, "muted": false, "on": false, "playing": false, "app": ""}
	for k, v := range want {
		if msg.State[k] != v {
			t.Errorf("state[%s] = %v, want %v", k, msg.State[k], v)
		}
	}

	p, ok := tb.mqtt.last(tb.topics.Discovery())
	if !ok || !p.retained {
		t.Fatal("discovery list not published retained")
	}
	var disc DiscoveryMessage
	if err := json.Unmarshal(p.payload, &disc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if len(disc.Devices) != 1 || disc.Devices[0].ID != "tv" || disc.Devices[0].Type != deviceType {
		t.Errorf("discovery devices = %+v", disc.Devices)
	}
	if len(disc.Devices[0].Capabilities) != len(session.AllProperties) {
		t.Errorf("capabilities = %v", disc.Devices[0].Capabilities)
	}
}

func TestSetVolumeCommand(t *testing.T) {
	tb := newTestBridge(t)

	ack := tb.command(t, "tv", map[string]any{
		"id":         "cmd-1",
		"device_id":  "tv",
		"command":    CommandSetVolume,
		"parameters": map[string]any{"level": 55},
	})

	if ack.Status != AckAccepted || ack.CommandID != "cmd-1" || ack.Error != nil {
		t.Fatalf("ack = %+v, want accepted", ack)
	}
	if len(tb.receiver.levels) != 1 || tb.receiver.levels[0] != 0.55 {
		t.Errorf("levels sent = %v, want [0.55]", tb.receiver.levels)
	}
	if got := tb.state(t, "tv").State["volume"]; got != 55.0 {
		t.Errorf("published volume = %v, want 55", got)
	}
}

func TestCommandDeviceIDFromTopic(t *testing.T) {
	tb := newTestBridge(t)

	ack := tb.command(t, "tv", map[string]any{"id": "cmd-2", "command": CommandMute})
	if ack.Status != AckAccepted || ack.DeviceID != "tv" {
		t.Fatalf("ack = %+v", ack)
	}
	if got := tb.state(t, "tv").State["muted"]; got != true {
		t.Errorf("published muted = %v, want true", got)
	}
}

func TestStopCommandStopsRunningApp(t *testing.T) {
	tb := newTestBridge(t)

	// Turn on first so the mirror says on=true.
	if ack := tb.command(t, "tv", map[string]any{"id": "c1", "command": CommandOn}); ack.Status != AckAccepted {
		t.Fatalf("on ack = %+v", ack)
	}
	tb.receiver.mu.Lock()
	tb.receiver.apps = []cast.Application{{AppID: "CC1AD845", DisplayName: "Default Media Receiver", SessionID: "s-1"}}
	tb.receiver.mu.Unlock()

	ack := tb.command(t, "tv", map[string]any{"id": "c2", "command": CommandStop})
	if ack.Status != AckAccepted {
		t.Fatalf("stop ack = %+v", ack)
	}
	if len(tb.receiver.stopped) != 1 || tb.receiver.stopped[0] != "CC1AD845" {
		t.Errorf("stopped = %v", tb.receiver.stopped)
	}
	if got := tb.state(t, "tv").State["on"]; got != false {
		t.Errorf("published on = %v, want false", got)
	}
}

func TestCommandFailures(t *testing.T) {
	tests := []struct {
		name      string
		deviceID  string
		cmd       map[string]any
		volumeErr error
		wantCode  string
		wantState AckStatus
	}{
		{
			name:      "unknown command",
			deviceID:  "tv",
			cmd:       map[string]any{"command": "rewind"},
			wantCode:  ErrCodeInvalidCommand,
			wantState: AckFailed,
		},
		{
			name:      "unknown device",
			deviceID:  "kitchen",
			cmd:       map[string]any{"command": CommandMute},
			wantCode:  ErrCodeNotConfigured,
			wantState: AckFailed,
		},
		{
			name:      "missing level",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandSetVolume},
			wantCode:  ErrCodeInvalidParameters,
			wantState: AckFailed,
		},
		{
			name:      "level out of range",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandSetVolume, "parameters": map[string]any{"level": 150}},
			wantCode:  ErrCodeInvalidParameters,
			wantState: AckFailed,
		},
		{
			name:      "unknown property",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandSet, "parameters": map[string]any{"property": "brightness", "value": 1}},
			wantCode:  ErrCodeInvalidParameters,
			wantState: AckFailed,
		},
		{
			name:      "read-only property",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandSet, "parameters": map[string]any{"property": "app", "value": "Netflix"}},
			wantCode:  ErrCodeInvalidState,
			wantState: AckFailed,
		},
		{
			name:      "play without media",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandPlay},
			wantCode:  ErrCodeInvalidState,
			wantState: AckFailed,
		},
		{
			name:      "receiver timeout",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandSetVolume, "parameters": map[string]any{"level": 80}},
			volumeErr: fmt.Errorf("%w: receiver SET_VOLUME", cast.ErrTimeout),
			wantCode:  ErrCodeTimeout,
			wantState: AckTimeout,
		},
		{
			name:      "link closed",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandSetVolume, "parameters": map[string]any{"level": 80}},
			volumeErr: cast.ErrClosed,
			wantCode:  ErrCodeDeviceUnreachable,
			wantState: AckFailed,
		},
		{
			name:      "receiver rejected",
			deviceID:  "tv",
			cmd:       map[string]any{"command": CommandSetVolume, "parameters": map[string]any{"level": 80}},
			volumeErr: fmt.Errorf("%w: INVALID_REQUEST", cast.ErrRequestFailed),
			wantCode:  ErrCodeProtocolError,
			wantState: AckFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBridge(t)
			tb.receiver.volumeErr = tt.volumeErr

			ack := tb.command(t, tt.deviceID, tt.cmd)
			if ack.Status != tt.wantState {
				t.Errorf("status = %s, want %s", ack.Status, tt.wantState)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", ack.Error, tt.wantCode)
			}
			if got := tb.state(t, "tv").State["volume"]; got != 50.0 {
				t.Errorf("volume after failure = %v, want 50", got)
			}
			if m := tb.bridge.Metrics(); m.CommandsFailed != 1 {
				t.Errorf("CommandsFailed = %d, want 1", m.CommandsFailed)
			}
		})
	}
}

func TestMalformedCommand(t *testing.T) {
	tb := newTestBridge(t)

	tb.mqtt.deliver(t, tb.topics.Command("tv"), []byte("{not json"))

	p, ok := tb.mqtt.last(tb.topics.Ack("tv"))
	if !ok {
		t.Fatal("no ack for malformed command")
	}
	var ack AckMessage
	if err := json.Unmarshal(p.payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidParameters {
		t.Errorf("ack = %+v", ack)
	}
}

func TestRemoveDeviceClearsRetainedState(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()

	if err := tb.bridge.RemoveDevice(ctx, "tv"); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	p, _ := tb.mqtt.last(tb.topics.State("tv"))
	if len(p.payload) != 0 || !p.retained {
		t.Errorf("last state publish = %+v, want empty retained", p)
	}

	d, _ := tb.mqtt.last(tb.topics.Discovery())
	var disc DiscoveryMessage
	if err := json.Unmarshal(d.payload, &disc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if len(disc.Devices) != 0 {
		t.Errorf("discovery after removal = %+v", disc.Devices)
	}

	if err := tb.bridge.RemoveDevice(ctx, "tv"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second RemoveDevice() error = %v, want ErrUnknownDevice", err)
	}
	if err := tb.bridge.PropertyChanged(ctx, "tv", session.PropVolume, 10); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("PropertyChanged() error = %v, want ErrUnknownDevice", err)
	}
}

func TestRegisterDeviceRequiresID(t *testing.T) {
	tb := newTestBridge(t)
	if err := tb.bridge.RegisterDevice(context.Background(), session.Descriptor{}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("RegisterDevice() error = %v, want ErrInvalidDescriptor", err)
	}
}

func TestRegisterSurvivesPublishFailure(t *testing.T) {
	tb := newTestBridge(t)
	tb.mqtt.mu.Lock()
	tb.mqtt.publishErr = errors.New("mqtt: not connected")
	tb.mqtt.mu.Unlock()

	err := tb.bridge.RegisterDevice(context.Background(), session.Descriptor{ID: "kitchen", Title: "Kitchen"})
	if err != nil {
		t.Fatalf("RegisterDevice() error = %v, want nil while MQTT is down", err)
	}
	if m := tb.bridge.Metrics(); m.PublishErrors == 0 {
		t.Error("publish errors not counted")
	}

	tb.mqtt.mu.Lock()
	tb.mqtt.publishErr = nil
	tb.mqtt.mu.Unlock()
	tb.mqtt.reset()

	tb.bridge.Resync()
	if tb.mqtt.count(tb.topics.State("kitchen")) != 1 || tb.mqtt.count(tb.topics.State("tv")) != 1 {
		t.Error("Resync did not republish every device")
	}
	if tb.mqtt.count(tb.topics.Discovery()) != 1 || tb.mqtt.count(tb.topics.Health()) != 1 {
		t.Error("Resync did not republish discovery and health")
	}
}

func TestSetReachableRepublishesOnChange(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	tb.mqtt.reset()

	if err := tb.bridge.SetReachable(ctx, "tv", true); err != nil {
		t.Fatal(err)
	}
	if n := tb.mqtt.count(tb.topics.State("tv")); n != 0 {
		t.Errorf("unchanged reachability published %d times", n)
	}

	if err := tb.bridge.SetReachable(ctx, "tv", false); err != nil {
		t.Fatal(err)
	}
	if tb.state(t, "tv").Reachable {
		t.Error("state still reachable")
	}
}

func TestRequests(t *testing.T) {
	tb := newTestBridge(t)

	t.Run("read_state", func(t *testing.T) {
		resp := tb.request(t, "r1", map[string]any{"action": ActionReadState, "device_id": "tv"})
		if !resp.Success || resp.RequestID != "r1" {
			t.Fatalf("resp = %+v", resp)
		}
		if resp.Data["connection"] != session.StateConnected {
			t.Errorf("connection = %v", resp.Data["connection"])
		}
		state, _ := resp.Data["state"].(map[string]any)
		if state["volume"] != 50.0 {
			t.Errorf("state = %v", state)
		}
	})

	t.Run("read_state without device", func(t *testing.T) {
		resp := tb.request(t, "r2", map[string]any{"action": ActionReadState})
		if resp.Success || resp.Error.Code != ErrCodeInvalidParameters {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("read_state unknown device", func(t *testing.T) {
		resp := tb.request(t, "r3", map[string]any{"action": ActionReadState, "device_id": "attic"})
		if resp.Success || resp.Error.Code != ErrCodeNotConfigured {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("list_devices", func(t *testing.T) {
		resp := tb.request(t, "r4", map[string]any{"action": ActionListDevices})
		if !resp.Success || resp.Data["count"] != 1.0 {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("start_pairing", func(t *testing.T) {
		resp := tb.request(t, "r5", map[string]any{
			"action":     ActionStartPairing,
			"parameters": map[string]any{"timeout": 30},
		})
		if !resp.Success {
			t.Fatalf("resp = %+v", resp)
		}
		got := tb.devices.timeouts[len(tb.devices.timeouts)-1]
		if got != 30*time.Second {
			t.Errorf("pairing timeout = %v, want 30s", got)
		}
		if !tb.devices.PairingStatus().Open {
			t.Error("pairing not open")
		}
	})

	t.Run("start_pairing bad timeout", func(t *testing.T) {
		resp := tb.request(t, "r6", map[string]any{
			"action":     ActionStartPairing,
			"parameters": map[string]any{"timeout": "soon"},
		})
		if resp.Success || resp.Error.Code != ErrCodeInvalidParameters {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("cancel_pairing", func(t *testing.T) {
		resp := tb.request(t, "r7", map[string]any{"action": ActionCancelPairing})
		if !resp.Success || tb.devices.PairingStatus().Open {
			t.Errorf("resp = %+v, pairing = %+v", resp, tb.devices.PairingStatus())
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := tb.request(t, "r8", map[string]any{"action": "reboot"})
		if resp.Success || resp.Error.Code != ErrCodeInvalidCommand {
			t.Errorf("resp = %+v", resp)
		}
	})
}

func TestRequestWithoutDirectory(t *testing.T) {
	m := newMockMQTT()
	b, err := NewBridge(Options{MQTTClient: m})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.handleRequest("r1", []byte(`{"action":"list_devices"}`)); err != nil {
		t.Fatal(err)
	}
	p, ok := m.last(mqtt.Topics{}.Response("r1"))
	if !ok {
		t.Fatal("no response")
	}
	var resp ResponseMessage
	if err := json.Unmarshal(p.payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error.Code != ErrCodeNotConfigured {
		t.Errorf("resp = %+v", resp)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{registry.ErrNotFound, ErrCodeNotConfigured},
		{session.ErrUnknownProperty, ErrCodeInvalidParameters},
		{session.ErrNoActiveMedia, ErrCodeInvalidState},
		{session.ErrReadOnly, ErrCodeInvalidState},
		{fmt.Errorf("%w: x", session.ErrConnection), ErrCodeDeviceUnreachable},
		{fmt.Errorf("%w: %w", session.ErrCommand, cast.ErrTimeout), ErrCodeTimeout},
		{context.DeadlineExceeded, ErrCodeTimeout},
		{fmt.Errorf("%w: x", session.ErrCommand), ErrCodeProtocolError},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
