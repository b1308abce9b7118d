package session

import (
	"context"
	"errors"
	"sync"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
)

var errBoom = errors.New("receiver said no")

// fakeTransport is a scripted Transport.
type fakeTransport struct {
	mu sync.Mutex

	// connectResults are returned by successive Connect calls; nil after.
	connectResults []error
	statusErr      error
	status         cast.ReceiverStatus
	sessions       []cast.Application
	mediaStatuses  []cast.MediaStatus
	availability   map[string]bool

	setVolumeErr error
	launchErr    error
	stopErr      error
	playErr      error

	handlers     TransportHandlers
	connects     int
	closes       int
	volumeReqs   []cast.VolumeRequest
	launched     []string
	stopped      []cast.Application
	availCalls   int
	// availGate, when set, holds availability probes until closed; each
	// probe first signals availEntered.
	availGate    chan struct{}
	availEntered chan struct{}
	joins        int
	mediaHistory []*fakeMedia
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		status:       cast.ReceiverStatus{Volume: &cast.Volume{Level: 1, StepInterval: 0.05}},
		availability: map[string]bool{"CC1AD845": true},
	}
}

func (f *fakeTransport) Connect(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectResults) > 0 {
		err := f.connectResults[0]
		f.connectResults = f.connectResults[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetHandlers(h TransportHandlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *fakeTransport) GetStatus(context.Context) (cast.ReceiverStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeTransport) SetVolume(_ context.Context, req cast.VolumeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumeReqs = append(f.volumeReqs, req)
	return f.setVolumeErr
}

func (f *fakeTransport) ListSessions(context.Context) ([]cast.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cast.Application(nil), f.sessions...), f.statusErr
}

func (f *fakeTransport) Join(context.Context, cast.Application) (MediaChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	m := &fakeMedia{statuses: f.mediaStatuses, playErr: f.playErr}
	f.mediaHistory = append(f.mediaHistory, m)
	return m, nil
}

func (f *fakeTransport) GetAppAvailability(_ context.Context, ids ...string) (map[string]bool, error) {
	f.mu.Lock()
	f.availCalls++
	gate, entered := f.availGate, f.availEntered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = f.availability[id]
	}
	return out, nil
}

func (f *fakeTransport) Launch(_ context.Context, appID string) (cast.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, appID)
	if f.launchErr != nil {
		return cast.Application{}, f.launchErr
	}
	return cast.Application{AppID: appID, DisplayName: "Default Media Receiver", TransportID: "t-launch", SessionID: "s-launch"}, nil
}

func (f *fakeTransport) Stop(_ context.Context, app cast.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, app)
	return f.stopErr
}

func (f *fakeTransport) availabilityCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availCalls
}

func (f *fakeTransport) currentHandlers() TransportHandlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

func (f *fakeTransport) push(status cast.ReceiverStatus) {
	f.currentHandlers().OnStatus(status)
}

func (f *fakeTransport) fail(err error) {
	f.currentHandlers().OnError(err)
}

func (f *fakeTransport) lastMedia() *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mediaHistory) == 0 {
		return nil
	}
	return f.mediaHistory[len(f.mediaHistory)-1]
}

// fakeMedia is a scripted MediaChannel.
type fakeMedia struct {
	mu       sync.Mutex
	statuses []cast.MediaStatus
	playErr  error
	onStatus func([]cast.MediaStatus)
	onClosed func()
	plays    int
	pauses   int
	closed   bool
}

func (m *fakeMedia) SetHandlers(onStatus func([]cast.MediaStatus), onClosed func()) {
	m.mu.Lock()
	m.onStatus = onStatus
	m.onClosed = onClosed
	m.mu.Unlock()
}

func (m *fakeMedia) GetStatus(context.Context) ([]cast.MediaStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses, nil
}

func (m *fakeMedia) Play(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plays++
	return m.playErr
}

func (m *fakeMedia) Pause(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
	return m.playErr
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) emit(statuses []cast.MediaStatus) {
	m.mu.Lock()
	fn := m.onStatus
	m.mu.Unlock()
	if fn != nil {
		fn(statuses)
	}
}

func (m *fakeMedia) remoteClose() {
	m.mu.Lock()
	fn := m.onClosed
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type propertyChange struct {
	id    string
	prop  Property
	value any
}

// fakeHub records everything the device tells the hub.
type fakeHub struct {
	mu            sync.Mutex
	registrations []Descriptor
	removals      []string
	changes       []propertyChange
	reachable     []bool
	registerErr   error
}

func (h *fakeHub) RegisterDevice(_ context.Context, d Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registerErr != nil {
		return h.registerErr
	}
	h.registrations = append(h.registrations, d)
	return nil
}

func (h *fakeHub) RemoveDevice(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removals = append(h.removals, id)
	return nil
}

func (h *fakeHub) PropertyChanged(_ context.Context, id string, p Property, v any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, propertyChange{id: id, prop: p, value: v})
	return nil
}

func (h *fakeHub) SetReachable(_ context.Context, _ string, reachable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reachable = append(h.reachable, reachable)
	return nil
}

func (h *fakeHub) changeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changes)
}

func (h *fakeHub) changesFor(p Property) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, c := range h.changes {
		if c.prop == p {
			out = append(out, c.value)
		}
	}
	return out
}

func (h *fakeHub) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = nil
	h.reachable = nil
}
