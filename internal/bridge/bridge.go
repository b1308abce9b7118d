package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cast/internal/registry"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

const (
	// commandTimeout bounds one command or request against a device.
	commandTimeout = 15 * time.Second

	qosAtLeastOnce byte = 1
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Devices is the device directory commands and requests act on. It is
// satisfied by *registry.Registry.
type Devices interface {
	Get(id string) (*session.Device, bool)
	List() []*session.Device
	StartPairing(timeout time.Duration) registry.PairingStatus
	CancelPairing() registry.PairingStatus
	PairingStatus() registry.PairingStatus
	Stats() registry.Stats
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// BridgeID names the bridge in health and discovery messages.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	MQTTClient MQTTClient
	Logger     Logger
}

// deviceEntry is the cached hub view of one registered device.
type deviceEntry struct {
	desc      session.Descriptor
	props     map[string]any
	reachable bool
}

// Bridge translates between the hub's MQTT topics and cast devices.
//
// Thread Safety: All methods are safe for concurrent use. Hub callbacks
// arrive with the calling device's lock held, so the bridge never calls
// back into a device while handling one.
type Bridge struct {
	opts   Options
	mqtt   MQTTClient
	topics mqtt.Topics
	health *HealthReporter

	devices   Devices
	devicesMu sync.RWMutex

	// Hub-side cache, republished on MQTT reconnect.
	entries   map[string]*deviceEntry
	entriesMu sync.RWMutex

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	requestsReceived atomic.Uint64
	statesPublished  atomic.Uint64
	publishErrors    atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call SetDevices and then Start.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, ErrMQTTRequired
	}
	if opts.BridgeID == "" {
		opts.BridgeID = "cast-bridge"
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:    opts,
		mqtt:    opts.MQTTClient,
		entries: make(map[string]*deviceEntry),
		ctx:     ctx,
		cancel:  cancel,
		logger:  opts.Logger,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// SetDevices attaches the device directory. The registry needs the bridge
// as its hub, so the two are linked after construction.
func (b *Bridge) SetDevices(devices Devices) {
	b.devicesMu.Lock()
	b.devices = devices
	b.devicesMu.Unlock()
}

func (b *Bridge) directory() Devices {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	return b.devices
}

// Start subscribes to commands and requests and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logWarn("failed to publish starting status", "error", err)
	}

	if err := b.mqtt.Subscribe(b.topics.AllCommands(), qosAtLeastOnce, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(b.topics.AllRequests(), qosAtLeastOnce, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed", "commands", b.topics.AllCommands(), "requests", b.topics.AllRequests())

	b.health.Start(ctx)
	b.publishDiscovery()

	b.logInfo("bridge started", "bridge_id", b.opts.BridgeID)
	return nil
}

// Stop cancels in-flight commands and publishes a final stopping status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// Resync republishes every cached state and the discovery list. It is
// wired to the MQTT client's reconnect callback so updates lost during an
// outage reach the broker.
func (b *Bridge) Resync() {
	b.entriesMu.RLock()
	msgs := make([]StateMessage, 0, len(b.entries))
	for _, e := range b.entries {
		msgs = append(msgs, e.stateMessage())
	}
	b.entriesMu.RUnlock()

	for _, msg := range msgs {
		b.publishState(msg)
	}
	b.publishDiscovery()
	if err := b.health.PublishNow(); err != nil {
		b.logWarn("failed to publish health", "error", err)
	}
}

// handleMessage routes command and request topics.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	category, id, err := mqtt.ParseTopic(topic)
	if err != nil {
		return err
	}
	switch category {
	case mqtt.CategoryCommand:
		return b.handleCommand(id, payload)
	case mqtt.CategoryRequest:
		return b.handleRequest(id, payload)
	}
	return fmt.Errorf("%w: unexpected topic %s", ErrInvalidMessage, topic)
}

// handleCommand executes one command and publishes its acknowledgement.
func (b *Bridge) handleCommand(topicID string, payload []byte) error {
	b.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsFailed.Add(1)
		b.publishAck(NewAckError(CommandMessage{DeviceID: topicID}, ErrCodeInvalidParameters,
			fmt.Sprintf("malformed command: %v", err)))
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicID
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	p, value, code, err := translateCommand(cmd)
	if err != nil {
		b.failCommand(cmd, code, err)
		return nil
	}

	devices := b.directory()
	if devices == nil {
		b.failCommand(cmd, ErrCodeNotConfigured, fmt.Errorf("no device directory"))
		return nil
	}
	d, ok := devices.Get(cmd.DeviceID)
	if !ok {
		b.failCommand(cmd, ErrCodeNotConfigured, fmt.Errorf("device %s not configured", cmd.DeviceID))
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := d.WriteProperty(ctx, p, value); err != nil {
		b.failCommand(cmd, errorCode(err), err)
		return nil
	}

	// Optimistic writes raise no PropertyChanged, so the hub view is
	// refreshed from the device here.
	b.Refresh(d)
	b.publishAck(NewAckMessage(cmd))
	return nil
}

// translateCommand maps a command onto one property write.
func translateCommand(cmd CommandMessage) (session.Property, any, string, error) {
	switch cmd.Command {
	case CommandSetVolume:
		level, ok := cmd.Parameters["level"]
		if !ok {
			return "", nil, ErrCodeInvalidParameters, fmt.Errorf("missing 'level' parameter")
		}
		return session.PropVolume, level, "", nil
	case CommandMute:
		return session.PropMuted, true, "", nil
	case CommandUnmute:
		return session.PropMuted, false, "", nil
	case CommandOn:
		return session.PropOn, true, "", nil
	case CommandOff, CommandStop:
		return session.PropOn, false, "", nil
	case CommandPlay:
		return session.PropPlaying, true, "", nil
	case CommandPause:
		return session.PropPlaying, false, "", nil
	case CommandSet:
		name, _ := cmd.Parameters["property"].(string)
		p, err := session.ParseProperty(name)
		if err != nil {
			return "", nil, ErrCodeInvalidParameters, err
		}
		value, ok := cmd.Parameters["value"]
		if !ok {
			return "", nil, ErrCodeInvalidParameters, fmt.Errorf("missing 'value' parameter")
		}
		return p, value, "", nil
	}
	return "", nil, ErrCodeInvalidCommand, fmt.Errorf("unknown command: %s", cmd.Command)
}

func (b *Bridge) failCommand(cmd CommandMessage, code string, err error) {
	b.commandsFailed.Add(1)
	b.publishAck(NewAckError(cmd, code, err.Error()))
	b.logWarn("command failed",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command,
		"code", code,
		"error", err)
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(ack.DeviceID), payload, qosAtLeastOnce, false); err != nil {
		b.publishErrors.Add(1)
		b.logWarn("failed to publish ack", "device_id", ack.DeviceID, "error", err)
	}
}

// handleRequest answers one request on the matching response topic.
func (b *Bridge) handleRequest(topicID string, payload []byte) error {
	b.requestsReceived.Add(1)

	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publishResponse(newErrorResponse(RequestMessage{RequestID: topicID},
			ErrCodeInvalidParameters, fmt.Sprintf("malformed request: %v", err)))
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if req.RequestID == "" {
		req.RequestID = topicID
	}

	b.logInfo("received request", "request_id", req.RequestID, "action", req.Action)

	devices := b.directory()
	var resp ResponseMessage
	switch {
	case devices == nil:
		resp = newErrorResponse(req, ErrCodeNotConfigured, "no device directory")
	case req.Action == ActionReadState:
		resp = b.handleReadState(devices, req)
	case req.Action == ActionListDevices:
		resp = handleListDevices(devices, req)
	case req.Action == ActionStartPairing:
		resp = handleStartPairing(devices, req)
	case req.Action == ActionCancelPairing:
		resp = newResponse(req, map[string]any{"pairing": devices.CancelPairing()})
	default:
		resp = newErrorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishResponse(resp)
	return nil
}

func (b *Bridge) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Response(resp.RequestID), payload, qosAtLeastOnce, false); err != nil {
		b.publishErrors.Add(1)
		b.logWarn("failed to publish response", "request_id", resp.RequestID, "error", err)
	}
}

// handleReadState returns a device snapshot and republishes its state.
func (b *Bridge) handleReadState(devices Devices, req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return newErrorResponse(req, ErrCodeInvalidParameters, "device_id is required")
	}
	d, ok := devices.Get(req.DeviceID)
	if !ok {
		return newErrorResponse(req, ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", req.DeviceID))
	}
	snap := d.Snapshot()
	b.Refresh(d)
	return newResponse(req, map[string]any{
		"device_id":  snap.ID,
		"title":      snap.Title,
		"connection": snap.State,
		"registered": snap.Registered,
		"media_app":  snap.MediaApp,
		"state":      stateMap(snap.Properties),
	})
}

func handleListDevices(devices Devices, req RequestMessage) ResponseMessage {
	list := devices.List()
	out := make([]map[string]any, 0, len(list))
	for _, d := range list {
		snap := d.Snapshot()
		out = append(out, map[string]any{
			"device_id":  snap.ID,
			"title":      snap.Title,
			"address":    snap.Address,
			"connection": snap.State,
			"registered": snap.Registered,
		})
	}
	return newResponse(req, map[string]any{"devices": out, "count": len(out)})
}

// handleStartPairing opens the pairing window. The optional timeout
// parameter is in seconds; zero or absent uses the configured default.
func handleStartPairing(devices Devices, req RequestMessage) ResponseMessage {
	var timeout time.Duration
	if raw, ok := req.Parameters["timeout"]; ok {
		secs, ok := raw.(float64)
		if !ok || secs < 0 {
			return newErrorResponse(req, ErrCodeInvalidParameters, "'timeout' must be a non-negative number of seconds")
		}
		timeout = time.Duration(secs * float64(time.Second))
	}
	return newResponse(req, map[string]any{"pairing": devices.StartPairing(timeout)})
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, kv ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (b *Bridge) logInfo(msg string, kv ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, kv...)
	}
}

func (b *Bridge) logWarn(msg string, kv ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (b *Bridge) logError(msg string, kv ...any) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, kv...)
	}
}

// Metrics is a point-in-time copy of the bridge counters.
func (b *Bridge) Metrics() Statistics {
	return Statistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		RequestsReceived: b.requestsReceived.Load(),
		StatesPublished:  b.statesPublished.Load(),
		PublishErrors:    b.publishErrors.Load(),
	}
}
