package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateFaulted      = "faulted"
)

// Connection events.
const (
	eventConnect     = "connect"
	eventEstablished = "established"
	eventFault       = "fault"
	eventDisconnect  = "disconnect"
)

func newMachine(d *Device) *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected, StateFaulted}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventFault, Src: []string{StateConnecting, StateConnected}, Dst: StateFaulted},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateConnected, StateFaulted}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.logDebug("connection state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// event fires a state machine event. Events that do not apply in the
// current state are ignored.
func (d *Device) event(ctx context.Context, name string) {
	err := d.machine.Event(ctx, name)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	d.logDebug("state event rejected", "event", name, "state", d.machine.Current(), "error", err)
}

// Connect brings the device up for the first time. On failure nothing is
// registered with the hub and the device should be discarded.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return fmt.Errorf("%w: device %s was removed", ErrInvalidState, d.opts.ID)
	}
	if err := d.connectLocked(ctx); err != nil {
		if d.transport != nil {
			d.transport.Close()
			d.transport = nil
		}
		d.event(ctx, eventDisconnect)
		return err
	}
	return nil
}

// connectLocked opens the transport, pulls a baseline and registers with
// the hub if that has not happened yet.
func (d *Device) connectLocked(ctx context.Context) error {
	d.event(ctx, eventConnect)

	if d.transport == nil {
		d.transport = d.opts.Factory()
	}
	t := d.transport

	if err := t.Connect(ctx, d.opts.Address); err != nil {
		t.Close()
		d.event(ctx, eventFault)
		return fmt.Errorf("%w: %s: %w", ErrConnection, d.opts.Address, err)
	}

	d.gen++
	gen := d.gen
	t.SetHandlers(TransportHandlers{
		OnStatus: func(status cast.ReceiverStatus) { d.onStatus(gen, status) },
		OnClosed: func() { d.onTransportLost(gen, nil) },
		OnError:  func(err error) { d.onTransportLost(gen, err) },
	})

	if err := d.pullLocked(ctx); err != nil {
		d.gen++
		t.Close()
		d.event(ctx, eventFault)
		return fmt.Errorf("%w: initial status from %s: %w", ErrConnection, d.opts.Address, err)
	}

	d.event(ctx, eventEstablished)
	d.warmAvailabilityLocked(t)

	if d.registered {
		d.setReachableLocked(ctx, true)
		return nil
	}
	if d.opts.Hub != nil {
		desc := Descriptor{
			ID:          d.opts.ID,
			Title:       d.opts.Title,
			Address:     d.opts.Address,
			Description: d.opts.Description,
			Properties:  d.mirror.snapshot(),
		}
		if err := d.opts.Hub.RegisterDevice(ctx, desc); err != nil {
			d.gen++
			t.Close()
			d.event(ctx, eventFault)
			return fmt.Errorf("%w: hub registration: %w", ErrConnection, err)
		}
	}
	d.registered = true
	d.mirror.markNotified()
	d.logInfo("device registered", "title", d.opts.Title, "address", d.opts.Address)
	return nil
}

// warmAvailabilityLocked probes the default app on its own goroutine so a
// power-on write arriving meanwhile shares the probe.
func (d *Device) warmAvailabilityLocked(t Transport) {
	cache, id, appID, timeout := d.opts.Availability, d.opts.ID, d.opts.DefaultAppID, d.opts.CommandTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := cache.Warm(ctx, id, appID, func(ctx context.Context, appID string) (map[string]bool, error) {
			return t.GetAppAvailability(ctx, appID)
		})
		if err != nil {
			d.logDebug("availability warm-up failed", "app", appID, "error", err)
		}
	}()
}

// pullLocked fetches volume and the running application.
func (d *Device) pullLocked(ctx context.Context) error {
	cmdCtx, cancel := d.commandContext(ctx)
	defer cancel()

	status, err := d.transport.GetStatus(cmdCtx)
	if err != nil {
		return err
	}
	if status.Volume != nil {
		d.applyVolumeLocked(ctx, *status.Volume)
	}

	apps, err := d.transport.ListSessions(cmdCtx)
	if err != nil {
		return err
	}
	d.applyAppsLocked(ctx, apps)
	return nil
}

func (d *Device) onStatus(gen uint64, status cast.ReceiverStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.removed {
		return
	}
	d.applyStatusLocked(context.Background(), status)
}

// onTransportLost runs the recovery escalation for a closed or broken
// link. Signals from superseded connections are ignored.
func (d *Device) onTransportLost(gen uint64, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.removed {
		return
	}
	d.gen++

	ctx := context.Background()
	if cause != nil {
		d.logWarn("connection error, recovering", "error", cause)
	} else {
		d.logInfo("connection closed by receiver, recovering")
	}
	d.event(ctx, eventFault)
	d.recoverLocked(ctx)
}

// recoverLocked reconnects the same transport, then a replacement, and
// deregisters the device if both fail.
func (d *Device) recoverLocked(ctx context.Context) {
	d.releaseMediaLocked(ctx)
	d.setReachableLocked(ctx, false)

	err := d.connectLocked(ctx)
	if err == nil {
		d.logInfo("connection recovered")
		return
	}
	d.logWarn("reconnect failed, replacing transport", "error", err)

	if d.transport != nil {
		d.transport.Close()
	}
	d.transport = d.opts.Factory()

	err = d.connectLocked(ctx)
	if err == nil {
		d.logInfo("connection recovered on new transport")
		return
	}
	d.logError("recovery failed, removing device", "error", err)
	d.deregisterLocked(ctx)
}

// deregisterLocked removes the device from the hub. It runs at most once.
func (d *Device) deregisterLocked(ctx context.Context) {
	if d.removed {
		return
	}
	d.removed = true
	d.gen++

	d.releaseMediaLocked(ctx)
	if d.transport != nil {
		d.transport.Close()
	}
	d.event(ctx, eventDisconnect)

	if d.registered && d.opts.Hub != nil {
		if err := d.opts.Hub.RemoveDevice(ctx, d.opts.ID); err != nil {
			d.logWarn("hub removal failed", "error", err)
		}
	}
	d.registered = false
	d.opts.Availability.Forget(d.opts.ID)

	if d.opts.OnRemoved != nil {
		d.opts.OnRemoved(d.opts.ID)
	}
}

func (d *Device) setReachableLocked(ctx context.Context, reachable bool) {
	if !d.registered || d.opts.Hub == nil {
		return
	}
	if err := d.opts.Hub.SetReachable(ctx, d.opts.ID, reachable); err != nil {
		d.logWarn("hub reachability update failed", "reachable", reachable, "error", err)
	}
}

// SetReachable forwards discovery liveness to the hub. A withdrawn service
// only marks the device unreachable; it is never removed for that alone.
func (d *Device) SetReachable(ctx context.Context, reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return
	}
	if reachable && !d.machine.Is(StateConnected) {
		return
	}
	d.setReachableLocked(ctx, reachable)
}

// Close shuts the device down without deregistering it.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return nil
	}
	d.removed = true
	d.gen++

	ctx := context.Background()
	d.releaseMediaLocked(ctx)
	if d.transport != nil {
		d.transport.Close()
	}
	d.event(ctx, eventDisconnect)
	return nil
}
