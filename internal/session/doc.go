// Package session keeps one receiver in sync with the hub.
//
// A Device owns a single Transport to its receiver and a mirror of five
// properties (volume, on, muted, playing, app). Three things mutate the
// mirror: writes from the hub, status pushes from the receiver and
// connection faults. All three run under the device mutex so the hub always
// sees one consistent value per property.
//
// Remote pushes only reach the hub when they change what the hub last saw,
// so echoes of the bridge's own commands are silent. A failed write rolls
// the property back and tells the hub the old value.
//
// Lost connections are recovered in two steps: reconnect the same
// transport, then replace it with a fresh one from the factory. If both
// fail the device is removed from the hub exactly once and the OnRemoved
// callback lets the registry re-admit it later.
package session
