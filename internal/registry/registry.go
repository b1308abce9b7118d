package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/discovery"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// Pairing modes.
const (
	ModeWindow     = "window"
	ModeContinuous = "continuous"
)

const defaultPairingTimeout = 60 * time.Second

// ErrNotFound is returned for unknown device ids.
var ErrNotFound = errors.New("registry: device not found")

// ServiceSource lists the services discovery currently knows.
type ServiceSource interface {
	ListCurrent() []discovery.Service
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Registry and the devices it creates.
type Config struct {
	Mode           string
	PairingTimeout time.Duration

	DefaultAppID   string
	CommandTimeout time.Duration
	Transports     session.TransportFactory
	Hub            session.Hub
	Availability   *session.AvailabilityCache
	Logger         Logger
}

// PairingStatus reports the admission state.
type PairingStatus struct {
	Mode     string    `json:"mode"`
	Open     bool      `json:"open"`
	Deadline time.Time `json:"deadline,omitzero"`
}

// Stats holds registry counters.
type Stats struct {
	Devices       int    `json:"devices"`
	Connected     int    `json:"connected"`
	Announcements uint64 `json:"announcements"`
	Ignored       uint64 `json:"ignored"`
	Admitted      uint64 `json:"admitted"`
	Failed        uint64 `json:"failed"`
	Removed       uint64 `json:"removed"`
}

// Registry owns every device session of the bridge.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	cfg    Config
	source ServiceSource

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	devices map[string]*session.Device

	// Pending liveness updates per device, applied in order by one
	// goroutine per device.
	livenessMu sync.Mutex
	liveness   map[*session.Device][]bool

	pairingMu  sync.Mutex
	windowOpen bool
	deadline   time.Time
	timer      *time.Timer

	announcements atomic.Uint64
	ignored       atomic.Uint64
	admitted      atomic.Uint64
	failed        atomic.Uint64
	removed       atomic.Uint64
}

// New creates a registry. In window mode the window starts closed; call
// StartPairing to open it.
func New(cfg Config, source ServiceSource) *Registry {
	if cfg.Mode == "" {
		cfg.Mode = ModeWindow
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = defaultPairingTimeout
	}
	if cfg.Availability == nil {
		cfg.Availability = session.NewAvailabilityCache(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		source:  source,
		ctx:     ctx,
		cancel:  cancel,
		devices:  make(map[string]*session.Device),
		liveness: make(map[*session.Device][]bool),
	}
}

// OnServiceAnnounced admits an unknown receiver or refreshes the liveness
// of a known one.
func (r *Registry) OnServiceAnnounced(svc discovery.Service) {
	r.announcements.Add(1)

	r.mu.Lock()
	if d, ok := r.devices[svc.ID]; ok {
		r.mu.Unlock()
		r.setLiveness(d, true)
		return
	}
	if r.ctx.Err() != nil || !r.admitting() {
		r.mu.Unlock()
		r.ignored.Add(1)
		r.logDebug("announcement ignored, pairing closed", "id", svc.ID, "name", svc.FriendlyName)
		return
	}

	d := session.NewDevice(session.Options{
		ID:             svc.ID,
		Title:          svc.FriendlyName,
		Address:        svc.Address(),
		Description:    svc.Model,
		DefaultAppID:   r.cfg.DefaultAppID,
		CommandTimeout: r.cfg.CommandTimeout,
		Factory:        r.cfg.Transports,
		Hub:            r.cfg.Hub,
		Availability:   r.cfg.Availability,
		Logger:         r.cfg.Logger,
		OnRemoved:      r.deviceRemoved,
	})
	r.devices[svc.ID] = d
	r.wg.Add(1)
	r.mu.Unlock()

	r.logInfo("admitting receiver", "id", svc.ID, "name", svc.FriendlyName, "address", svc.Address())

	go func() {
		defer r.wg.Done()
		if err := d.Connect(r.ctx); err != nil {
			r.failed.Add(1)
			r.forget(svc.ID, d)
			r.logWarn("receiver connect failed", "id", svc.ID, "error", err)
			return
		}
		r.admitted.Add(1)
	}()
}

// OnServiceWithdrawn marks a known device unreachable. It stays registered.
func (r *Registry) OnServiceWithdrawn(svc discovery.Service) {
	d, ok := r.Get(svc.ID)
	if !ok {
		return
	}
	r.setLiveness(d, false)
}

// setLiveness queues a reachability update for d and returns without
// waiting for it. A device busy recovering holds its lock for several
// command timeouts; the browse loop must not stall behind it.
func (r *Registry) setLiveness(d *session.Device, reachable bool) {
	r.livenessMu.Lock()
	defer r.livenessMu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	queue, running := r.liveness[d]
	r.liveness[d] = append(queue, reachable)
	if running {
		return
	}
	r.wg.Add(1)
	go r.applyLiveness(d)
}

// applyLiveness drains the queued updates of d.
func (r *Registry) applyLiveness(d *session.Device) {
	defer r.wg.Done()
	for {
		r.livenessMu.Lock()
		queue := r.liveness[d]
		if len(queue) == 0 {
			delete(r.liveness, d)
			r.livenessMu.Unlock()
			return
		}
		reachable := queue[0]
		r.liveness[d] = queue[1:]
		r.livenessMu.Unlock()

		d.SetReachable(r.ctx, reachable)
	}
}

// forget drops id if it still maps to d.
func (r *Registry) forget(id string, d *session.Device) {
	r.mu.Lock()
	if r.devices[id] == d {
		delete(r.devices, id)
	}
	r.mu.Unlock()
}

// deviceRemoved runs when a device deregistered itself after failed
// recovery. It is called under the device's lock, so the follow-up work
// runs on its own goroutine.
func (r *Registry) deviceRemoved(id string) {
	r.removed.Add(1)

	r.mu.Lock()
	delete(r.devices, id)
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.logInfo("device removed, reopening pairing", "id", id)
		r.StartPairing(0)
	}()
}

// admitting reports whether unknown receivers may join.
func (r *Registry) admitting() bool {
	if r.cfg.Mode == ModeContinuous {
		return true
	}
	r.pairingMu.Lock()
	defer r.pairingMu.Unlock()
	return r.windowOpen && time.Now().Before(r.deadline)
}

// StartPairing opens (or extends) the pairing window and replays the
// services discovery already knows. A timeout of zero uses the configured
// default. In continuous mode only the replay happens.
func (r *Registry) StartPairing(timeout time.Duration) PairingStatus {
	if timeout <= 0 {
		timeout = r.cfg.PairingTimeout
	}

	if r.cfg.Mode != ModeContinuous {
		r.pairingMu.Lock()
		r.windowOpen = true
		r.deadline = time.Now().Add(timeout)
		if r.timer != nil {
			r.timer.Stop()
		}
		r.timer = time.AfterFunc(timeout, r.closeWindow)
		r.pairingMu.Unlock()
		r.logInfo("pairing window open", "timeout", timeout)
	}

	if r.source != nil {
		for _, svc := range r.source.ListCurrent() {
			r.OnServiceAnnounced(svc)
		}
	}
	return r.PairingStatus()
}

// CancelPairing closes the pairing window.
func (r *Registry) CancelPairing() PairingStatus {
	r.closeWindow()
	return r.PairingStatus()
}

func (r *Registry) closeWindow() {
	r.pairingMu.Lock()
	wasOpen := r.windowOpen
	r.windowOpen = false
	r.deadline = time.Time{}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pairingMu.Unlock()
	if wasOpen {
		r.logInfo("pairing window closed")
	}
}

// PairingStatus returns the current admission state.
func (r *Registry) PairingStatus() PairingStatus {
	if r.cfg.Mode == ModeContinuous {
		return PairingStatus{Mode: ModeContinuous, Open: true}
	}
	r.pairingMu.Lock()
	defer r.pairingMu.Unlock()
	open := r.windowOpen && time.Now().Before(r.deadline)
	st := PairingStatus{Mode: ModeWindow, Open: open}
	if open {
		st.Deadline = r.deadline
	}
	return st
}

// Get returns the device with the given id.
func (r *Registry) Get(id string) (*session.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// List returns all devices sorted by id.
func (r *Registry) List() []*session.Device {
	r.mu.RLock()
	out := make([]*session.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *session.Device) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	devices := r.List()
	connected := 0
	for _, d := range devices {
		if d.State() == session.StateConnected {
			connected++
		}
	}
	return Stats{
		Devices:       len(devices),
		Connected:     connected,
		Announcements: r.announcements.Load(),
		Ignored:       r.ignored.Load(),
		Admitted:      r.admitted.Load(),
		Failed:        r.failed.Load(),
		Removed:       r.removed.Load(),
	}
}

// Shutdown closes every device and waits for pending connects.
func (r *Registry) Shutdown() {
	r.cancel()
	r.closeWindow()

	r.mu.Lock()
	devices := make([]*session.Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
	r.wg.Wait()
}

// Nil-safe logging helpers.

func (r *Registry) logDebug(msg string, kv ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(msg, kv...)
	}
}

func (r *Registry) logInfo(msg string, kv ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Info(msg, kv...)
	}
}

func (r *Registry) logWarn(msg string, kv ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Warn(msg, kv...)
	}
}
