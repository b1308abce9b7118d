package cast

import (
	"context"
	"fmt"
	"sync"

	gocast "github.com/vishen/go-chromecast/cast"
)

// MediaChannel is a joined media namespace on one running application.
type MediaChannel struct {
	link *link
	app  Application

	mu             sync.Mutex
	mediaSessionID int
	onStatus       func([]MediaStatus)
	onClosed       func()
	closed         bool
}

// Join opens a virtual connection to the application's transport and
// returns a channel for its media namespace. Joining the same transport
// again replaces the earlier channel, which is closed silently.
func (c *Client) Join(ctx context.Context, app Application) (*MediaChannel, error) {
	if app.TransportID == "" {
		return nil, fmt.Errorf("%w: application %s has no transport", ErrNoMediaSession, app.AppID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := c.current()
	if l == nil {
		return nil, ErrNotConnected
	}
	if err := l.connectVirtual(app.TransportID); err != nil {
		return nil, err
	}

	ch := &MediaChannel{link: l, app: app}

	l.vconnMu.Lock()
	previous := l.media[app.TransportID]
	l.media[app.TransportID] = ch
	l.vconnMu.Unlock()

	if previous != nil {
		previous.markClosed()
	}
	return ch, nil
}

// App returns the application the channel belongs to.
func (m *MediaChannel) App() Application {
	return m.app
}

// SetHandlers sets the status and close handlers. They run on the client's
// dispatcher goroutine.
func (m *MediaChannel) SetHandlers(onStatus func([]MediaStatus), onClosed func()) {
	m.mu.Lock()
	m.onStatus = onStatus
	m.onClosed = onClosed
	m.mu.Unlock()
}

// GetStatus queries the current media status. An empty slice means the
// application has no media loaded.
func (m *MediaChannel) GetStatus(ctx context.Context) ([]MediaStatus, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	payload, err := m.link.request(ctx, NamespaceMedia, m.app.TransportID, newGetStatus())
	if err != nil {
		return nil, err
	}
	statuses, err := DecodeMediaStatus(payload)
	if err != nil && len(statuses) == 0 {
		return nil, err
	}
	m.observe(statuses)
	return statuses, nil
}

// Play resumes playback.
func (m *MediaChannel) Play(ctx context.Context) error {
	return m.control(ctx, gocast.PlayHeader)
}

// Pause pauses playback.
func (m *MediaChannel) Pause(ctx context.Context) error {
	return m.control(ctx, gocast.PauseHeader)
}

func (m *MediaChannel) control(ctx context.Context, h gocast.PayloadHeader) error {
	if m.isClosed() {
		return ErrClosed
	}
	id := m.sessionID()
	if id == 0 {
		if _, err := m.GetStatus(ctx); err != nil {
			return err
		}
		if id = m.sessionID(); id == 0 {
			return ErrNoMediaSession
		}
	}
	_, err := m.link.request(ctx, NamespaceMedia, m.app.TransportID, newMediaCommand(h, id))
	return err
}

// Close detaches the handlers and closes the virtual connection. The close
// handler is not invoked.
func (m *MediaChannel) Close() error {
	if !m.markClosed() {
		return nil
	}

	l := m.link
	l.vconnMu.Lock()
	if l.media[m.app.TransportID] == m {
		delete(l.media, m.app.TransportID)
		delete(l.vconns, m.app.TransportID)
	}
	l.vconnMu.Unlock()

	if l.closed() {
		return nil
	}
	return l.send(NamespaceConnection, m.app.TransportID, newClose())
}

// markClosed clears handlers and reports whether this call closed the channel.
func (m *MediaChannel) markClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	m.onStatus = nil
	m.onClosed = nil
	return true
}

func (m *MediaChannel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MediaChannel) sessionID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mediaSessionID
}

// observe remembers the media session id from a status report.
func (m *MediaChannel) observe(statuses []MediaStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(statuses) == 0 {
		m.mediaSessionID = 0
		return
	}
	m.mediaSessionID = statuses[0].MediaSessionID
}

func (m *MediaChannel) emitStatus(statuses []MediaStatus) {
	m.mu.Lock()
	fn := m.onStatus
	m.mu.Unlock()
	if fn != nil {
		fn(statuses)
	}
}

// emitClosed runs the close handler once and marks the channel closed.
func (m *MediaChannel) emitClosed() {
	m.mu.Lock()
	fn := m.onClosed
	m.mu.Unlock()
	if !m.markClosed() {
		return
	}
	if fn != nil {
		fn()
	}
}

// dropMedia handles a CLOSE sent by an application transport.
func (l *link) dropMedia(transportID string) {
	l.vconnMu.Lock()
	ch := l.media[transportID]
	delete(l.media, transportID)
	delete(l.vconns, transportID)
	l.vconnMu.Unlock()

	if ch != nil {
		l.events.push(ch.emitClosed)
	}
}

func (l *link) mediaFor(transportID string) *MediaChannel {
	l.vconnMu.Lock()
	defer l.vconnMu.Unlock()
	return l.media[transportID]
}
