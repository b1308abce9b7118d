package main

import (
	"context"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// castTransport adapts *cast.Client to the session.Transport interface.
// The differences are the session-level helpers: ListSessions reads the
// application list from a status pull, Join returns the interface type and
// Stop takes the whole application.
type castTransport struct {
	client *cast.Client
}

var _ session.Transport = (*castTransport)(nil)

// newTransportFactory returns a factory that builds a fresh client per
// connection attempt, configured from the cast section.
func newTransportFactory(cfg *config.Config, log *logging.Logger) session.TransportFactory {
	clientCfg := cast.Config{
		ConnectTimeout:    cfg.GetConnectTimeout(),
		CommandTimeout:    cfg.GetCommandTimeout(),
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		Logger:            log.Component("cast"),
	}
	return func() session.Transport {
		return &castTransport{client: cast.NewClient(clientCfg)}
	}
}

func (t *castTransport) Connect(ctx context.Context, addr string) error {
	return t.client.Connect(ctx, addr)
}

func (t *castTransport) Close() error {
	return t.client.Close()
}

func (t *castTransport) SetHandlers(h session.TransportHandlers) {
	t.client.SetHandlers(cast.Handlers{
		OnStatus: h.OnStatus,
		OnClosed: h.OnClosed,
		OnError:  h.OnError,
	})
}

func (t *castTransport) GetStatus(ctx context.Context) (cast.ReceiverStatus, error) {
	return t.client.GetStatus(ctx)
}

func (t *castTransport) SetVolume(ctx context.Context, req cast.VolumeRequest) error {
	return t.client.SetVolume(ctx, req)
}

// ListSessions returns the applications from a fresh receiver status.
func (t *castTransport) ListSessions(ctx context.Context) ([]cast.Application, error) {
	status, err := t.client.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	return status.Applications, nil
}

func (t *castTransport) Join(ctx context.Context, app cast.Application) (session.MediaChannel, error) {
	ch, err := t.client.Join(ctx, app)
	if err != nil {
		// Return a nil interface, not a typed nil pointer.
		return nil, err
	}
	return ch, nil
}

func (t *castTransport) GetAppAvailability(ctx context.Context, appIDs ...string) (map[string]bool, error) {
	return t.client.GetAppAvailability(ctx, appIDs...)
}

func (t *castTransport) Launch(ctx context.Context, appID string) (cast.Application, error) {
	return t.client.Launch(ctx, appID)
}

func (t *castTransport) Stop(ctx context.Context, app cast.Application) error {
	return t.client.Stop(ctx, app.SessionID)
}
