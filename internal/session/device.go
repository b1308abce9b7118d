package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
)

const defaultCommandTimeout = 10 * time.Second

// Options configures a Device.
type Options struct {
	ID          string
	Title       string
	Address     string // host:port
	Description string

	// DefaultAppID is launched when the hub turns the device on.
	DefaultAppID string

	CommandTimeout time.Duration

	Factory      TransportFactory
	Hub          Hub
	Availability *AvailabilityCache
	Logger       Logger

	// OnRemoved is called once after the device deregistered itself.
	OnRemoved func(id string)
}

// Snapshot is a read-only view of a device for the API and bridge.
type Snapshot struct {
	ID          string
	Title       string
	Address     string
	Description string
	State       string
	Registered  bool
	MediaApp    string
	Properties  map[Property]any
}

// writeHandler sends one property write to the receiver.
type writeHandler func(ctx context.Context, v any) error

// Device synchronises one receiver with the hub.
//
// Thread Safety: all methods are safe for concurrent use. Every mutation,
// whether a hub write, a receiver push or a connection signal, runs under mu.
type Device struct {
	opts Options

	mu         sync.Mutex
	machine    *fsm.FSM
	gen        uint64
	transport  Transport
	mirror     *mirror
	media      *mediaSession
	mediaGen   uint64
	registered bool
	removed    bool

	writers map[Property]writeHandler
}

// NewDevice creates a disconnected device. Call Connect to bring it up.
func NewDevice(opts Options) *Device {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Availability == nil {
		opts.Availability = NewAvailabilityCache(0)
	}
	d := &Device{
		opts:   opts,
		mirror: newMirror(),
	}
	d.machine = newMachine(d)
	d.writers = map[Property]writeHandler{
		PropVolume:  d.writeVolume,
		PropMuted:   d.writeMuted,
		PropOn:      d.writeOn,
		PropPlaying: d.writePlaying,
	}
	return d
}

// ID returns the stable device id.
func (d *Device) ID() string { return d.opts.ID }

// Title returns the friendly name.
func (d *Device) Title() string { return d.opts.Title }

// State returns the connection state.
func (d *Device) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Current()
}

// Properties returns a copy of the mirrored values.
func (d *Device) Properties() map[Property]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirror.snapshot()
}

// Snapshot returns the device view used by the API and the bridge.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		ID:          d.opts.ID,
		Title:       d.opts.Title,
		Address:     d.opts.Address,
		Description: d.opts.Description,
		State:       d.machine.Current(),
		Registered:  d.registered,
		Properties:  d.mirror.snapshot(),
	}
	if d.media != nil {
		s.MediaApp = d.media.app.AppID
	}
	return s
}

// WriteProperty applies a hub write. The value is cached optimistically
// and rolled back, with the hub told the old value, if the receiver
// command fails.
func (d *Device) WriteProperty(ctx context.Context, p Property, value any) error {
	v, err := coerce(p, value)
	if err != nil {
		return err
	}
	if !p.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnly, p)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.machine.Is(StateConnected) {
		return fmt.Errorf("%w: device %s is %s", ErrInvalidState, d.opts.ID, d.machine.Current())
	}

	prior := d.mirror.get(p)
	if prior == v {
		return nil
	}
	if p == PropPlaying && d.media == nil {
		return ErrNoActiveMedia
	}

	d.mirror.applyLocal(p, v)
	if err := d.writers[p](ctx, v); err != nil {
		source := d.mirror.source(p)
		if d.mirror.revert(p, prior, d.registered) {
			d.notifyLocked(ctx, p, prior)
		}
		d.logWarn("property write failed",
			"property", p,
			"value", v,
			"source", source.String(),
			"current", d.mirror.get(p),
			"error", err,
		)
		return err
	}
	return nil
}

func (d *Device) writeVolume(ctx context.Context, v any) error {
	level := volumeLevel(v.(int), d.mirror.volumeStep)
	cmdCtx, cancel := d.commandContext(ctx)
	defer cancel()
	if err := d.transport.SetVolume(cmdCtx, cast.VolumeRequest{Level: &level}); err != nil {
		return commandError("set volume", err)
	}
	return nil
}

func (d *Device) writeMuted(ctx context.Context, v any) error {
	muted := v.(bool)
	cmdCtx, cancel := d.commandContext(ctx)
	defer cancel()
	if err := d.transport.SetVolume(cmdCtx, cast.VolumeRequest{Muted: &muted}); err != nil {
		return commandError("set mute", err)
	}
	return nil
}

func (d *Device) writeOn(ctx context.Context, v any) error {
	cmdCtx, cancel := d.commandContext(ctx)
	defer cancel()

	if !v.(bool) {
		apps, err := d.transport.ListSessions(cmdCtx)
		if err != nil {
			return commandError("list sessions", err)
		}
		app, ok := cast.FirstActive(apps)
		if !ok {
			return nil
		}
		if err := d.transport.Stop(cmdCtx, app); err != nil {
			return commandError("stop "+app.AppID, err)
		}
		return nil
	}

	appID := d.opts.DefaultAppID
	available, err := d.opts.Availability.Check(cmdCtx, d.opts.ID, appID,
		func(ctx context.Context, appID string) (map[string]bool, error) {
			return d.transport.GetAppAvailability(ctx, appID)
		})
	if err != nil {
		return commandError("app availability", err)
	}
	if !available {
		return fmt.Errorf("%w: app %s is not available", ErrCommand, appID)
	}

	app, err := d.transport.Launch(cmdCtx, appID)
	if err != nil {
		return commandError("launch "+appID, err)
	}
	d.remoteLocked(ctx, PropApp, app.DisplayName)
	d.joinIfNeededLocked(ctx, app)
	return nil
}

func (d *Device) writePlaying(ctx context.Context, v any) error {
	cmdCtx, cancel := d.commandContext(ctx)
	defer cancel()

	var err error
	if v.(bool) {
		err = d.media.channel.Play(cmdCtx)
	} else {
		err = d.media.channel.Pause(cmdCtx)
	}
	if err != nil {
		return commandError("playback", err)
	}
	return nil
}

// applyStatusLocked folds a receiver status into the mirror. A missing
// applications key leaves the application state alone.
func (d *Device) applyStatusLocked(ctx context.Context, status cast.ReceiverStatus) {
	if status.Volume != nil {
		d.applyVolumeLocked(ctx, *status.Volume)
	}
	if status.ApplicationsPresent {
		d.applyAppsLocked(ctx, status.Applications)
	}
}

func (d *Device) applyVolumeLocked(ctx context.Context, vol cast.Volume) {
	if vol.StepInterval > 0 {
		d.mirror.volumeStep = vol.StepInterval
	}
	d.remoteLocked(ctx, PropVolume, volumePercent(vol.Level))
	d.remoteLocked(ctx, PropMuted, vol.Muted)
}

// applyAppsLocked enforces the on/app pairing: no active application means
// off with no app and no media; an active one means on with its name,
// set before the media join.
func (d *Device) applyAppsLocked(ctx context.Context, apps []cast.Application) {
	app, ok := cast.FirstActive(apps)
	if !ok {
		d.releaseMediaLocked(ctx)
		d.remoteLocked(ctx, PropOn, false)
		d.remoteLocked(ctx, PropApp, "")
		d.remoteLocked(ctx, PropPlaying, false)
		return
	}

	d.remoteLocked(ctx, PropOn, true)
	d.remoteLocked(ctx, PropApp, app.DisplayName)
	d.joinIfNeededLocked(ctx, app)
}

// remoteLocked applies a receiver-reported value and tells the hub if it
// changed from what the hub last saw.
func (d *Device) remoteLocked(ctx context.Context, p Property, v any) {
	if d.mirror.applyRemote(p, v, d.registered) {
		d.notifyLocked(ctx, p, v)
	}
}

func (d *Device) notifyLocked(ctx context.Context, p Property, v any) {
	if d.opts.Hub == nil {
		return
	}
	if err := d.opts.Hub.PropertyChanged(ctx, d.opts.ID, p, v); err != nil {
		d.logWarn("hub property update failed", "property", p, "error", err)
	}
}

func (d *Device) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.CommandTimeout)
}

// Nil-safe logging helpers.

func (d *Device) logDebug(msg string, kv ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Debug(msg, append([]any{"device", d.opts.ID}, kv...)...)
	}
}

func (d *Device) logInfo(msg string, kv ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Info(msg, append([]any{"device", d.opts.ID}, kv...)...)
	}
}

func (d *Device) logWarn(msg string, kv ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Warn(msg, append([]any{"device", d.opts.ID}, kv...)...)
	}
}

func (d *Device) logError(msg string, kv ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Error(msg, append([]any{"device", d.opts.ID}, kv...)...)
	}
}
