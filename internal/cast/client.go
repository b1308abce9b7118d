package cast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocast "github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// Default timeouts for receiver communication.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultCommandTimeout    = 10 * time.Second
	defaultHeartbeatInterval = 5 * time.Second

	// heartbeatMisses is how many silent intervals end the link.
	heartbeatMisses = 3
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds client settings. Zero durations take the defaults; a
// negative HeartbeatInterval disables the heartbeat.
type Config struct {
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration

	Logger Logger
}

// Handlers receive pushes and link signals on the dispatcher goroutine.
//
// OnClosed fires when receiver-0 sends CLOSE. OnError fires on a failed
// write or a heartbeat timeout; the connection does not surface read
// errors, so a dropped stream is reported through one of those. Neither
// fires after a local Close.
type Handlers struct {
	OnStatus func(ReceiverStatus)
	OnClosed func()
	OnError  func(error)
}

// VolumeRequest carries a SET_VOLUME change. Exactly one field is normally set.
type VolumeRequest struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

// Stats holds operational statistics.
type Stats struct {
	FramesTx      uint64
	FramesRx      uint64
	ErrorsTotal   uint64
	ConnectsTotal uint64
	LastActivity  time.Time
	Connected     bool
}

// Client is a reconnectable connection to one receiver.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	cfg      Config
	senderID string

	mu   sync.Mutex
	link *link

	handlersMu sync.RWMutex
	handlers   Handlers

	nextRequestID atomic.Int64

	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	errorsTotal   atomic.Uint64
	connectsTotal atomic.Uint64
	lastActivity  atomic.Int64
}

// NewClient creates a client. No connection is made until Connect.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Client{
		cfg:      cfg,
		senderID: "sender-" + uuid.NewString(),
	}
}

// SetHandlers replaces the push and signal handlers.
func (c *Client) SetHandlers(h Handlers) {
	c.handlersMu.Lock()
	c.handlers = h
	c.handlersMu.Unlock()
}

func (c *Client) getHandlers() Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

// Connect opens a link to addr (host:port) and performs the CONNECT
// handshake with receiver-0. An existing link is closed first, silently.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	old := c.link
	c.link = nil
	c.mu.Unlock()
	if old != nil {
		old.terminate(nil, false)
	}

	host, port, err := splitAddr(addr)
	if err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, addr, err)
	}
	conn, err := c.dial(ctx, host, port)
	if err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, addr, err)
	}

	l := newLink(c, conn)
	l.start()
	if err := l.connectVirtual(ReceiverID); err != nil {
		l.terminate(nil, false)
		return fmt.Errorf("%w: %s: handshake: %w", ErrConnectionFailed, addr, err)
	}

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	c.connectsTotal.Add(1)
	c.logDebug("cast link established", "addr", addr)
	return nil
}

// dial starts a library connection within ConnectTimeout. Start takes no
// context, so a connection that completes after the deadline is closed
// once it does.
func (c *Client) dial(ctx context.Context, host string, port int) (gocast.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn := gocast.NewConnection()
	started := make(chan error, 1)
	go func() { started <- conn.Start(host, port) }()

	select {
	case err := <-started:
		if err != nil {
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		go func() {
			if <-started == nil {
				_ = conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// splitAddr turns host:port into the form Connection.Start formats back
// into a dial address. IPv6 literals keep their brackets.
func splitAddr(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", p, err)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host, port, nil
}

// Close tears down the current link without raising OnClosed/OnError.
// Closing an already closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l != nil {
		l.terminate(nil, false)
	}
	return nil
}

// IsConnected reports whether a link is up.
func (c *Client) IsConnected() bool {
	return c.current() != nil
}

// Stats returns a snapshot of the client statistics.
func (c *Client) Stats() Stats {
	var last time.Time
	if ts := c.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}
	return Stats{
		FramesTx:      c.framesTx.Load(),
		FramesRx:      c.framesRx.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
		ConnectsTotal: c.connectsTotal.Load(),
		LastActivity:  last,
		Connected:     c.IsConnected(),
	}
}

func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// detach forgets l if it is still the current link.
func (c *Client) detach(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
}

// GetStatus fetches the receiver status.
func (c *Client) GetStatus(ctx context.Context) (ReceiverStatus, error) {
	payload, err := c.request(ctx, NamespaceReceiver, ReceiverID, newGetStatus())
	if err != nil {
		return ReceiverStatus{}, err
	}
	return c.decodeStatusReply(payload)
}

// SetVolume changes level or mute state.
func (c *Client) SetVolume(ctx context.Context, req VolumeRequest) error {
	_, err := c.request(ctx, NamespaceReceiver, ReceiverID, newSetVolume(req))
	return err
}

// GetAppAvailability reports which of the given application ids the
// receiver can launch.
func (c *Client) GetAppAvailability(ctx context.Context, appIDs ...string) (map[string]bool, error) {
	payload, err := c.request(ctx, NamespaceReceiver, ReceiverID, newAvailability(appIDs))
	if err != nil {
		return nil, err
	}
	return decodeAvailability(payload)
}

// Launch starts an application and returns its descriptor from the
// resulting status.
func (c *Client) Launch(ctx context.Context, appID string) (Application, error) {
	payload, err := c.request(ctx, NamespaceReceiver, ReceiverID, newLaunch(appID))
	if err != nil {
		return Application{}, err
	}
	status, err := c.decodeStatusReply(payload)
	if err != nil {
		return Application{}, err
	}
	for _, app := range status.Applications {
		if app.AppID == appID {
			return app, nil
		}
	}
	return Application{}, fmt.Errorf("%w: %s", ErrAppNotRunning, appID)
}

// Stop ends the application session.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	_, err := c.request(ctx, NamespaceReceiver, ReceiverID, newStop(sessionID))
	return err
}

// decodeStatusReply accepts a partially decoded status and only fails when
// nothing usable came back.
func (c *Client) decodeStatusReply(payload []byte) (ReceiverStatus, error) {
	status, err := DecodeReceiverStatus(payload)
	if err != nil {
		if status.Volume == nil && !status.ApplicationsPresent {
			return ReceiverStatus{}, err
		}
		c.logWarn("partial receiver status", "error", err)
	}
	return status, nil
}

func (c *Client) request(ctx context.Context, namespace, dest string, payload outbound) ([]byte, error) {
	l := c.current()
	if l == nil {
		return nil, ErrNotConnected
	}
	return l.request(ctx, namespace, dest, payload)
}

// Nil-safe logging helpers.

func (c *Client) logDebug(msg string, kv ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, kv...)
	}
}

func (c *Client) logWarn(msg string, kv ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(msg, kv...)
	}
}

// =============================================================================
// link: one receiver connection
// =============================================================================

type reply struct {
	payload []byte
	err     error
}

type link struct {
	c    *Client
	conn gocast.Conn

	// sendMu serialises writes; Conn.Send writes the length prefix and the
	// message separately.
	sendMu sync.Mutex

	done   *closeOnce
	events *eventQueue
	once   sync.Once

	pendingMu sync.Mutex
	pending   map[int]chan reply

	vconnMu sync.Mutex
	vconns  map[string]bool
	media   map[string]*MediaChannel

	lastRx atomic.Int64
}

func newLink(c *Client, conn gocast.Conn) *link {
	l := &link{
		c:       c,
		conn:    conn,
		done:    newCloseOnce(),
		events:  newEventQueue(),
		pending: make(map[int]chan reply),
		vconns:  make(map[string]bool),
		media:   make(map[string]*MediaChannel),
	}
	l.lastRx.Store(time.Now().UnixNano())
	return l
}

func (l *link) start() {
	go l.events.run()
	go l.readLoop()
	if l.c.cfg.HeartbeatInterval > 0 {
		go l.heartbeatLoop(l.c.cfg.HeartbeatInterval)
	}
}

// terminate ends the link once. remote terminations queue OnClosed (err nil)
// or OnError behind any pushes already dispatched.
func (l *link) terminate(err error, remote bool) {
	l.once.Do(func() {
		l.done.Close()
		_ = l.conn.Close()
		l.c.detach(l)

		if remote {
			l.vconnMu.Lock()
			channels := make([]*MediaChannel, 0, len(l.media))
			for _, ch := range l.media {
				channels = append(channels, ch)
			}
			l.media = map[string]*MediaChannel{}
			l.vconnMu.Unlock()
			for _, ch := range channels {
				l.events.push(ch.emitClosed)
			}

			l.events.push(func() {
				h := l.c.getHandlers()
				if err == nil {
					if h.OnClosed != nil {
						h.OnClosed()
					}
				} else if h.OnError != nil {
					h.OnError(err)
				}
			})
		}
		l.events.close()
	})
}

func (l *link) closed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

func (l *link) send(namespace, dest string, payload outbound) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.sendLocked(namespace, dest, payload)
}

func (l *link) sendLocked(namespace, dest string, payload outbound) error {
	if l.closed() {
		return ErrClosed
	}
	if err := l.conn.Send(0, payload, l.c.senderID, dest, namespace); err != nil {
		l.c.errorsTotal.Add(1)
		err = fmt.Errorf("cast: write %s: %w", payload.kind(), err)
		l.terminate(err, true)
		return err
	}
	l.c.framesTx.Add(1)
	return nil
}

// connectVirtual opens the virtual connection to dest once per link.
func (l *link) connectVirtual(dest string) error {
	l.vconnMu.Lock()
	if l.vconns[dest] {
		l.vconnMu.Unlock()
		return nil
	}
	l.vconns[dest] = true
	l.vconnMu.Unlock()

	err := l.send(NamespaceConnection, dest, newConnect())
	if err != nil {
		l.vconnMu.Lock()
		delete(l.vconns, dest)
		l.vconnMu.Unlock()
	}
	return err
}

func (l *link) request(ctx context.Context, namespace, dest string, payload outbound) ([]byte, error) {
	if l.closed() {
		return nil, ErrClosed
	}
	if dest != ReceiverID {
		if err := l.connectVirtual(dest); err != nil {
			return nil, err
		}
	}

	id := int(l.c.nextRequestID.Add(1))
	payload.SetRequestId(id)
	ch := make(chan reply, 1)

	l.pendingMu.Lock()
	l.pending[id] = ch
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, id)
		l.pendingMu.Unlock()
	}()

	if err := l.send(namespace, dest, payload); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.c.cfg.CommandTimeout)
	defer cancel()

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-l.done.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, namespace, payload.kind())
		}
		return nil, ctx.Err()
	}
}

// readLoop drains the connection until terminate closes it. The connection
// answers receiver PINGs itself and drops frames it cannot parse.
func (l *link) readLoop() {
	for msg := range l.conn.MsgChan() {
		now := time.Now().UnixNano()
		l.lastRx.Store(now)
		l.c.lastActivity.Store(now)
		l.c.framesRx.Add(1)
		l.handle(msg)
	}
}

func (l *link) handle(raw *pb.CastMessage) {
	msg, ok := fromWire(raw)
	if !ok {
		return
	}
	h, err := decodeHeader(msg.payload)
	if err != nil {
		l.c.logWarn("ignoring malformed payload", "namespace", msg.namespace, "error", err)
		return
	}
	payload := []byte(msg.payload)

	switch msg.namespace {
	case NamespaceHeartbeat:
		// PONGs only count as traffic.
		return
	case NamespaceConnection:
		if h.Type == typeClose {
			if msg.source == ReceiverID {
				l.terminate(nil, true)
				return
			}
			l.dropMedia(msg.source)
		}
		return
	}

	if h.RequestID > 0 {
		l.resolve(h, payload)
	}

	switch {
	case msg.namespace == NamespaceReceiver && h.Type == typeReceiverStatus:
		status, err := DecodeReceiverStatus(payload)
		if err != nil {
			l.c.logWarn("malformed receiver status", "error", err)
			if status.Volume == nil && !status.ApplicationsPresent {
				return
			}
		}
		l.events.push(func() {
			if fn := l.c.getHandlers().OnStatus; fn != nil {
				fn(status)
			}
		})

	case msg.namespace == NamespaceMedia && h.Type == typeMediaStatus:
		ch := l.mediaFor(msg.source)
		if ch == nil {
			return
		}
		statuses, err := DecodeMediaStatus(payload)
		if err != nil {
			l.c.logWarn("malformed media status", "error", err)
		}
		ch.observe(statuses)
		l.events.push(func() { ch.emitStatus(statuses) })
	}
}

func (l *link) resolve(h header, payload []byte) {
	l.pendingMu.Lock()
	ch, ok := l.pending[h.RequestID]
	delete(l.pending, h.RequestID)
	l.pendingMu.Unlock()
	if !ok {
		return
	}

	r := reply{payload: payload}
	if errorTypes[h.Type] {
		r.err = fmt.Errorf("%w: %s %s", ErrRequestFailed, h.Type, h.Reason)
	}
	ch <- r
}

func (l *link) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, l.lastRx.Load()))
			if silent > heartbeatMisses*interval {
				l.c.errorsTotal.Add(1)
				l.terminate(fmt.Errorf("%w: silent for %v", ErrHeartbeatTimeout, silent.Round(time.Millisecond)), true)
				return
			}
			// A write stuck on a dead peer holds sendMu. Skip the PING so the
			// silence check above still ends the link.
			if l.sendMu.TryLock() {
				_ = l.sendLocked(NamespaceHeartbeat, ReceiverID, newPing())
				l.sendMu.Unlock()
			}
		}
	}
}

// =============================================================================
// dispatcher primitives
// =============================================================================

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// eventQueue is an unbounded FIFO drained by a single goroutine. Pushes
// never block the receive loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.signal()
}

// close stops accepting events; queued ones still run.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range items {
			fn()
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
