// Package api implements the local HTTP management API and WebSocket
// stream for the cast bridge.
//
// This package provides:
//   - REST endpoints to list devices and read or write their properties
//   - Pairing window control
//   - A WebSocket hub relaying device state published on MQTT
//   - Request ids, access logging per device route, panic recovery, CORS
//     for browser panels and a small body cap
//
// # Architecture
//
// The API sits beside the MQTT bridge. Property writes go straight to the
// session.Device; on success the bridge is asked to refresh its retained
// state so the hub sees the new value. State changes reach WebSocket
// clients through the same graylogic/state/cast/+ topics the hub consumes.
//
// # Security
//
// The API is a local management surface with no authentication. Bind it
// to a trusted interface.
package api
