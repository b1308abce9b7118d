package cast

import "errors"

var (
	// ErrNotConnected is returned when a command is issued without a live link.
	ErrNotConnected = errors.New("cast: not connected")

	// ErrConnectionFailed is returned when dialling or the CONNECT handshake fails.
	ErrConnectionFailed = errors.New("cast: connection failed")

	// ErrClosed is returned to requests pending when the link goes away.
	ErrClosed = errors.New("cast: connection closed")

	// ErrTimeout is returned when a request gets no reply in time.
	ErrTimeout = errors.New("cast: request timed out")

	// ErrRequestFailed is returned when the receiver answers with an error
	// type such as LAUNCH_ERROR or INVALID_REQUEST.
	ErrRequestFailed = errors.New("cast: request failed")

	// ErrHeartbeatTimeout is reported when the receiver stops answering PINGs.
	ErrHeartbeatTimeout = errors.New("cast: heartbeat timeout")

	// ErrDecode is returned for malformed JSON payloads.
	ErrDecode = errors.New("cast: decode error")

	// ErrNoMediaSession is returned by Play/Pause when the application
	// reports no media session.
	ErrNoMediaSession = errors.New("cast: no media session")

	// ErrAppNotRunning is returned when a launched application does not
	// show up in the receiver status.
	ErrAppNotRunning = errors.New("cast: application not running")
)
