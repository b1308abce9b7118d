package session

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
)

var (
	// ErrConnection covers unreachable receivers and failed handshakes.
	ErrConnection = errors.New("session: connection error")

	// ErrCommand is returned when the receiver rejects a command or it times out.
	ErrCommand = errors.New("session: command failed")

	// ErrInvalidState is returned when a write is not possible in the
	// current device state. It is checked before any remote call.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrInvalidValue is returned when a written value has the wrong type or range.
	ErrInvalidValue = errors.New("session: invalid value")

	// ErrNoActiveMedia is an ErrInvalidState for playback writes without a
	// joined media session.
	ErrNoActiveMedia = fmt.Errorf("%w: no active media", ErrInvalidState)

	// ErrReadOnly is an ErrInvalidState for writes to read-only properties.
	ErrReadOnly = fmt.Errorf("%w: property is read-only", ErrInvalidState)

	// ErrUnknownProperty is an ErrInvalidValue for names outside the property set.
	ErrUnknownProperty = fmt.Errorf("%w: unknown property", ErrInvalidValue)
)

// commandError classifies a transport failure. A dead link is a connection
// problem; anything else is the command's fault.
func commandError(op string, err error) error {
	if errors.Is(err, cast.ErrClosed) || errors.Is(err, cast.ErrNotConnected) {
		return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCommand, op, err)
}
