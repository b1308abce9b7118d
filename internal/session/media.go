package session

import (
	"context"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
)

// mediaSession is the joined media channel of the running application.
type mediaSession struct {
	app     cast.Application
	channel MediaChannel
	gen     uint64
}

// playingFrom collapses player states: PLAYING and BUFFERING count as
// playing, everything else (including no media) does not.
func playingFrom(statuses []cast.MediaStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	switch statuses[0].PlayerState {
	case cast.PlayerStatePlaying, cast.PlayerStateBuffering:
		return true
	}
	return false
}

// joinIfNeededLocked joins the application's media channel unless it has
// no transport or is already joined. A session held for a different
// application is released first, even when the new one cannot be joined.
func (d *Device) joinIfNeededLocked(ctx context.Context, app cast.Application) {
	if d.media != nil && (d.media.app.SessionID != app.SessionID || d.media.app.AppID != app.AppID) {
		d.releaseMediaLocked(ctx)
	}
	if app.TransportID == "" {
		return
	}
	if d.media != nil && d.media.app.SessionID == app.SessionID && d.media.app.TransportID == app.TransportID {
		return
	}
	d.releaseMediaLocked(ctx)

	cmdCtx, cancel := d.commandContext(ctx)
	defer cancel()

	channel, err := d.transport.Join(cmdCtx, app)
	if err != nil {
		d.logWarn("media join failed", "app", app.AppID, "error", err)
		return
	}

	d.mediaGen++
	gen := d.mediaGen
	d.media = &mediaSession{app: app, channel: channel, gen: gen}
	channel.SetHandlers(
		func(statuses []cast.MediaStatus) { d.onMediaStatus(gen, statuses) },
		func() { d.onMediaClosed(gen) },
	)
	d.logDebug("media session joined", "app", app.AppID, "session", app.SessionID)

	statuses, err := channel.GetStatus(cmdCtx)
	if err != nil {
		d.logWarn("media status probe failed", "app", app.AppID, "error", err)
	}
	d.remoteLocked(ctx, PropPlaying, playingFrom(statuses))
}

// releaseMediaLocked detaches and closes the media channel and forces
// playing to false.
func (d *Device) releaseMediaLocked(ctx context.Context) {
	if d.media == nil {
		return
	}
	m := d.media
	d.media = nil
	d.mediaGen++

	m.channel.SetHandlers(nil, nil)
	if err := m.channel.Close(); err != nil {
		d.logDebug("media channel close failed", "error", err)
	}
	d.remoteLocked(ctx, PropPlaying, false)
}

func (d *Device) onMediaStatus(gen uint64, statuses []cast.MediaStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.media == nil || d.media.gen != gen {
		return
	}
	d.remoteLocked(context.Background(), PropPlaying, playingFrom(statuses))
}

func (d *Device) onMediaClosed(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.media == nil || d.media.gen != gen {
		return
	}
	d.media = nil
	d.mediaGen++
	d.remoteLocked(context.Background(), PropPlaying, false)
}
