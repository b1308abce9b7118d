package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
)

// Stream message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	ChannelStateChanged = "device.state_changed"
	ChannelRemoved      = "device.removed"
)

var allChannels = []string{ChannelStateChanged, ChannelRemoved}

const (
	wsSendBufferSize = 64

	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 4096
)

// WSMessage is one frame of the stream in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects events by channel and by device. No channels
// means every channel; no devices means every device.
type WSSubscribePayload struct {
	Channels []string `json:"channels,omitempty"`
	Devices  []string `json:"devices,omitempty"`
}

// wsRequest is an incoming frame with its payload left undecoded.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans device events out to stream clients. It keeps the last state
// relayed for each device so a new subscriber starts from the current
// picture instead of waiting for the next change.
//
// Thread Safety: all methods are safe for concurrent use.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	latest  map[string]json.RawMessage

	dropped atomic.Uint64
}

// WSClient is one stream connection and its device filter.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu         sync.Mutex
	send       chan []byte
	closed     bool
	channels   map[string]struct{}
	devices    map[string]struct{}
	allDevices bool
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		latest:  make(map[string]json.RawMessage),
	}
}

func newWSClient(h *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		channels: make(map[string]struct{}),
		devices:  make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client. It receives nothing until it subscribes.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "clients", n)
}

// Unregister removes a client and closes its send queue. Repeated calls
// are no-ops.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.logger.Debug("stream client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast delivers an event about deviceID to every client whose filter
// matches, and updates the hub's last-known state for the device.
func (h *Hub) Broadcast(channel, deviceID string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("stream event encoding failed", "channel", channel, "device_id", deviceID, "error", err)
		return
	}

	h.mu.Lock()
	switch channel {
	case ChannelStateChanged:
		if raw, ok := payload.(json.RawMessage); ok {
			h.latest[deviceID] = raw
		}
	case ChannelRemoved:
		delete(h.latest, deviceID)
	}
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range clients {
		if c.wants(channel, deviceID) && c.deliver(data) {
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("stream event sent", "channel", channel, "device_id", deviceID, "recipients", sent)
	}
}

// replayState sends c the last state of each device it now follows,
// ordered by device id.
func (h *Hub) replayState(c *WSClient) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.latest))
	for id := range h.latest {
		if c.wants(ChannelStateChanged, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	states := make([]json.RawMessage, len(ids))
	for i, id := range ids {
		states[i] = h.latest[id]
	}
	h.mu.RUnlock()

	for i, id := range ids {
		c.sendFrame(WSMessage{Type: WSTypeEvent, EventType: ChannelStateChanged, DeviceID: id, Payload: states[i]})
	}
}

// subscribeStateUpdates relays the bridge's retained state topics to the
// stream. The broker replays retained state on subscribe, which seeds the
// hub's last-known state.
func (s *Server) subscribeStateUpdates() error {
	if s.mqtt == nil {
		return nil
	}
	topic := mqtt.Topics{}.AllStates()
	s.logger.Info("relaying device state to the stream", "topic", topic)
	return s.mqtt.Subscribe(topic, 1, s.relayState)
}

// relayState turns one state topic message into a stream event. An empty
// payload is the retained-state clear the bridge publishes on removal.
func (s *Server) relayState(topic string, payload []byte) error {
	_, deviceID, err := mqtt.ParseTopic(topic)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		s.hub.Broadcast(ChannelRemoved, deviceID, map[string]string{"device_id": deviceID})
		return nil
	}
	if !json.Valid(payload) {
		s.logger.Warn("dropping malformed device state", "topic", topic)
		return nil
	}
	s.hub.Broadcast(ChannelStateChanged, deviceID, json.RawMessage(slices.Clone(payload)))
	return nil
}

// handleWebSocket upgrades to a stream connection. Browser origins are
// checked against the CORS list.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err, "request_id", requestID(r.Context()))
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.Register(c)

	ping, pong, limit := streamTimings(s.wsCfg)
	go c.writeLoop(ping, pong)
	go c.readLoop(ping+pong, limit)
}

func streamTimings(cfg config.WebSocketConfig) (ping, pong time.Duration, limit int64) {
	ping, pong, limit = defaultPingInterval, defaultPongTimeout, defaultMaxMessageSize
	if cfg.PingInterval > 0 {
		ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	if cfg.MaxMessageSize > 0 {
		limit = int64(cfg.MaxMessageSize)
	}
	return ping, pong, limit
}

// readLoop handles client requests until the connection fails. Any frame,
// including a pong, extends the read deadline.
func (c *WSClient) readLoop(idle time.Duration, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(limit)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("stream client dropped", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		c.handle(data)
	}
}

// writeLoop drains the send queue and pings the client.
func (c *WSClient) writeLoop(ping, writeWait time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error reported below
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // connection is going away
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error reported below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypePing:
		c.sendFrame(WSMessage{Type: WSTypePong, ID: req.ID})
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sel WSSubscribePayload
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &sel); err != nil {
				c.sendError(req.ID, "invalid "+req.Type+" payload")
				return
			}
		}
		for _, ch := range sel.Channels {
			if !slices.Contains(allChannels, ch) {
				c.sendError(req.ID, "unknown channel: "+ch)
				return
			}
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(sel)
			c.sendFrame(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{"subscribed": sel}})
			if c.wantsChannel(ChannelStateChanged) {
				c.hub.replayState(c)
			}
			return
		}
		c.unsubscribe(sel)
		c.sendFrame(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{"unsubscribed": sel}})
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// subscribe widens the filter. Naming devices narrows a client that
// followed every device to just those.
func (c *WSClient) subscribe(sel WSSubscribePayload) {
	channels := sel.Channels
	if len(channels) == 0 {
		channels = allChannels
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	if len(sel.Devices) == 0 {
		c.allDevices = true
		clear(c.devices)
		return
	}
	c.allDevices = false
	for _, id := range sel.Devices {
		c.devices[id] = struct{}{}
	}
}

// unsubscribe narrows the filter. Devices alone stop following those
// devices; channels alone mute those channels; neither clears everything.
func (c *WSClient) unsubscribe(sel WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sel.Channels) == 0 && len(sel.Devices) == 0 {
		clear(c.channels)
		clear(c.devices)
		c.allDevices = false
		return
	}
	for _, ch := range sel.Channels {
		delete(c.channels, ch)
	}
	for _, id := range sel.Devices {
		delete(c.devices, id)
	}
}

func (c *WSClient) wantsChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *WSClient) wants(channel, deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if c.allDevices {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

// deliver queues data without blocking. A full queue drops the frame.
func (c *WSClient) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.dropped.Add(1)
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) sendFrame(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.deliver(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendFrame(WSMessage{Type: WSTypeError, ID: id, Payload: map[string]string{"message": message}})
}
