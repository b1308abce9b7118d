package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrMQTTRequired is returned by NewBridge without an MQTT client.
	ErrMQTTRequired = errors.New("bridge: MQTT client is required")

	// ErrUnknownDevice is returned for hub updates about a device that was
	// never registered.
	ErrUnknownDevice = errors.New("bridge: unknown device")

	// ErrInvalidDescriptor is returned when a registration carries no id.
	ErrInvalidDescriptor = errors.New("bridge: invalid device descriptor")

	// ErrInvalidMessage is returned for command or request payloads that
	// cannot be parsed.
	ErrInvalidMessage = errors.New("bridge: invalid message")
)
