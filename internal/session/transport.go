package session

import (
	"context"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
)

// Transport is the connection to one receiver as the device needs it.
// *cast.Client satisfies it through a thin adapter in main.
type Transport interface {
	Connect(ctx context.Context, addr string) error
	Close() error
	SetHandlers(h TransportHandlers)

	GetStatus(ctx context.Context) (cast.ReceiverStatus, error)
	SetVolume(ctx context.Context, req cast.VolumeRequest) error
	ListSessions(ctx context.Context) ([]cast.Application, error)
	Join(ctx context.Context, app cast.Application) (MediaChannel, error)
	GetAppAvailability(ctx context.Context, appIDs ...string) (map[string]bool, error)
	Launch(ctx context.Context, appID string) (cast.Application, error)
	Stop(ctx context.Context, app cast.Application) error
}

// TransportHandlers receive pushes and link signals. OnClosed means the
// receiver ended the link; OnError means it broke.
type TransportHandlers struct {
	OnStatus func(cast.ReceiverStatus)
	OnClosed func()
	OnError  func(error)
}

// TransportFactory allocates a fresh, unconnected transport.
type TransportFactory func() Transport

// MediaChannel is the media namespace of one running application.
type MediaChannel interface {
	SetHandlers(onStatus func([]cast.MediaStatus), onClosed func())
	GetStatus(ctx context.Context) ([]cast.MediaStatus, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Close() error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
