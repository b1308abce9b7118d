package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// The Bridge is the hub every device reports to.
var _ session.Hub = (*Bridge)(nil)

func (e *deviceEntry) stateMessage() StateMessage {
	return StateMessage{
		DeviceID:    e.desc.ID,
		Timestamp:   time.Now().UTC(),
		Title:       e.desc.Title,
		Description: e.desc.Description,
		Address:     e.desc.Address,
		Protocol:    mqtt.Protocol,
		Reachable:   e.reachable,
		State:       maps.Clone(e.props),
	}
}

// RegisterDevice caches the device and publishes its retained state and
// the updated discovery list. Publish failures are logged and repaired by
// the next Resync, so an MQTT outage never blocks registration.
func (b *Bridge) RegisterDevice(_ context.Context, d session.Descriptor) error {
	if d.ID == "" {
		return ErrInvalidDescriptor
	}

	b.entriesMu.Lock()
	e := &deviceEntry{desc: d, props: stateMap(d.Properties), reachable: true}
	b.entries[d.ID] = e
	msg := e.stateMessage()
	b.entriesMu.Unlock()

	b.logInfo("device registered with hub", "device_id", d.ID, "title", d.Title)
	b.publishState(msg)
	b.publishDiscovery()
	return nil
}

// RemoveDevice drops the device and clears its retained state.
func (b *Bridge) RemoveDevice(_ context.Context, id string) error {
	b.entriesMu.Lock()
	_, ok := b.entries[id]
	delete(b.entries, id)
	b.entriesMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	b.logInfo("device removed from hub", "device_id", id)
	// An empty retained payload deletes the retained message.
	if err := b.mqtt.Publish(b.topics.State(id), nil, qosAtLeastOnce, true); err != nil {
		b.publishErrors.Add(1)
		b.logWarn("failed to clear retained state", "device_id", id, "error", err)
	}
	b.publishDiscovery()
	return nil
}

// PropertyChanged updates one cached property and republishes the state.
func (b *Bridge) PropertyChanged(_ context.Context, id string, p session.Property, value any) error {
	b.entriesMu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.entriesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	e.props[string(p)] = value
	msg := e.stateMessage()
	b.entriesMu.Unlock()

	b.logDebug("property changed", "device_id", id, "property", p, "value", value)
	b.publishState(msg)
	return nil
}

// SetReachable updates the cached reachability and republishes the state.
func (b *Bridge) SetReachable(_ context.Context, id string, reachable bool) error {
	b.entriesMu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.entriesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if e.reachable == reachable {
		b.entriesMu.Unlock()
		return nil
	}
	e.reachable = reachable
	msg := e.stateMessage()
	b.entriesMu.Unlock()

	b.logInfo("device reachability changed", "device_id", id, "reachable", reachable)
	b.publishState(msg)
	return nil
}

// Refresh copies a device's mirrored properties into the cache and
// republishes when anything differs. Writers that bypass the command topic
// call it after a successful WriteProperty. Never call it from a hub
// callback.
func (b *Bridge) Refresh(d *session.Device) {
	props := stateMap(d.Properties())

	b.entriesMu.Lock()
	e, ok := b.entries[d.ID()]
	if !ok || maps.Equal(e.props, props) {
		b.entriesMu.Unlock()
		return
	}
	e.props = props
	msg := e.stateMessage()
	b.entriesMu.Unlock()

	b.publishState(msg)
}

func (b *Bridge) publishState(msg StateMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", "device_id", msg.DeviceID, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.State(msg.DeviceID), payload, qosAtLeastOnce, true); err != nil {
		b.publishErrors.Add(1)
		b.logWarn("failed to publish state", "device_id", msg.DeviceID, "error", err)
		return
	}
	b.statesPublished.Add(1)
}

// publishDiscovery publishes the retained list of registered devices.
func (b *Bridge) publishDiscovery() {
	b.entriesMu.RLock()
	devices := make([]DiscoveredDevice, 0, len(b.entries))
	for _, e := range b.entries {
		devices = append(devices, DiscoveredDevice{
			ID:           e.desc.ID,
			Protocol:     mqtt.Protocol,
			Address:      e.desc.Address,
			Type:         deviceType,
			Capabilities: capabilities(),
			Product:      e.desc.Description,
			Name:         e.desc.Title,
		})
	}
	b.entriesMu.RUnlock()
	slices.SortFunc(devices, func(a, c DiscoveredDevice) int { return strings.Compare(a.ID, c.ID) })

	payload, err := json.Marshal(DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    b.opts.BridgeID,
		Devices:   devices,
	})
	if err != nil {
		b.logError("failed to marshal discovery", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Discovery(), payload, qosAtLeastOnce, true); err != nil {
		b.publishErrors.Add(1)
		b.logWarn("failed to publish discovery", "error", err)
	}
}

// HealthDetails feeds the health reporter.
func (b *Bridge) HealthDetails() HealthDetails {
	details := HealthDetails{Statistics: b.Metrics()}
	if devices := b.directory(); devices != nil {
		stats := devices.Stats()
		pairing := devices.PairingStatus()
		details.Devices = stats.Devices
		details.Connected = stats.Connected
		details.Pairing = &pairing
		return details
	}
	b.entriesMu.RLock()
	details.Devices = len(b.entries)
	b.entriesMu.RUnlock()
	return details
}
