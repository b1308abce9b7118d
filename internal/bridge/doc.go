// Package bridge connects cast devices to the Gray Logic hub over MQTT.
//
// The Bridge implements session.Hub: device registrations, property changes
// and reachability are cached and published as retained state messages on
// graylogic/state/cast/{id}. In the other direction it consumes commands
// on graylogic/command/cast/{id} and requests on graylogic/request/cast/{id},
// translating them into property writes and registry calls.
//
// Message flow:
//
//	Hub ──command──▶ Bridge ──WriteProperty──▶ session.Device ──▶ receiver
//	Hub ◀──ack────── Bridge
//	Hub ◀──state──── Bridge ◀──PropertyChanged── session.Device ◀── receiver
//
// A HealthReporter publishes retained health messages on
// graylogic/health/cast at a fixed interval.
package bridge
