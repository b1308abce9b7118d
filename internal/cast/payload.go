package cast

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types the bridge matches on. Outbound types that the connection
// library already names come from its headers.
const (
	typeClose              = "CLOSE"
	typePing               = "PING"
	typeGetAppAvailability = "GET_APP_AVAILABILITY"
	typeReceiverStatus     = "RECEIVER_STATUS"
	typeMediaStatus        = "MEDIA_STATUS"
)

// errorTypes are reply types that fail the originating request.
var errorTypes = map[string]bool{
	"LAUNCH_ERROR":         true,
	"INVALID_REQUEST":      true,
	"INVALID_PLAYER_STATE": true,
	"LOAD_FAILED":          true,
	"LOAD_CANCELLED":       true,
}

// Player states reported on the media namespace.
const (
	PlayerStateIdle      = "IDLE"
	PlayerStatePlaying   = "PLAYING"
	PlayerStatePaused    = "PAUSED"
	PlayerStateBuffering = "BUFFERING"
)

// appAvailable is the availability value for an installed application.
const appAvailable = "APP_AVAILABLE"

// Volume is the receiver volume block.
type Volume struct {
	Level        float64 `json:"level"`
	Muted        bool    `json:"muted"`
	StepInterval float64 `json:"stepInterval"`
}

// Application is one running application as reported in receiver status.
type Application struct {
	AppID        string `json:"appId"`
	DisplayName  string `json:"displayName"`
	IsIdleScreen bool   `json:"isIdleScreen"`
	TransportID  string `json:"transportId"`
	SessionID    string `json:"sessionId"`
}

// ReceiverStatus is the decoded status block. Volume is nil when the push
// carried no usable volume. ApplicationsPresent distinguishes an explicit
// empty list (nothing running) from an absent key.
type ReceiverStatus struct {
	Volume              *Volume
	Applications        []Application
	ApplicationsPresent bool
}

// MediaStatus is one entry of a MEDIA_STATUS push.
type MediaStatus struct {
	MediaSessionID int    `json:"mediaSessionId"`
	PlayerState    string `json:"playerState"`
}

// header is the envelope shared by every JSON payload.
type header struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// decodeHeader reads type and requestId from a payload.
func decodeHeader(payload string) (header, error) {
	var h header
	if err := json.Unmarshal([]byte(payload), &h); err != nil {
		return header{}, fmt.Errorf("%w: header: %w", ErrDecode, err)
	}
	if h.Type == "" {
		return header{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	return h, nil
}

// DecodeReceiverStatus extracts the status block of a RECEIVER_STATUS
// payload. Fields decode independently: a malformed volume does not hide a
// valid application list and vice versa. The returned error joins every
// field that failed; the partial status is still usable.
func DecodeReceiverStatus(payload []byte) (ReceiverStatus, error) {
	var envelope struct {
		Status map[string]json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ReceiverStatus{}, fmt.Errorf("%w: receiver status: %w", ErrDecode, err)
	}

	var status ReceiverStatus
	var errs []error

	if raw, ok := envelope.Status["volume"]; ok {
		var v Volume
		if err := json.Unmarshal(raw, &v); err != nil {
			errs = append(errs, fmt.Errorf("%w: volume: %w", ErrDecode, err))
		} else {
			status.Volume = &v
		}
	}

	if raw, ok := envelope.Status["applications"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			errs = append(errs, fmt.Errorf("%w: applications: %w", ErrDecode, err))
		} else {
			status.ApplicationsPresent = true
			status.Applications = make([]Application, 0, len(items))
			for i, item := range items {
				var app Application
				if err := json.Unmarshal(item, &app); err != nil || app.AppID == "" {
					errs = append(errs, fmt.Errorf("%w: applications[%d]", ErrDecode, i))
					continue
				}
				status.Applications = append(status.Applications, app)
			}
		}
	}

	return status, errors.Join(errs...)
}

// DecodeMediaStatus extracts the status list of a MEDIA_STATUS payload.
// Entries that fail to decode are skipped and reported in the joined error.
func DecodeMediaStatus(payload []byte) ([]MediaStatus, error) {
	var envelope struct {
		Status []json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: media status: %w", ErrDecode, err)
	}

	var errs []error
	out := make([]MediaStatus, 0, len(envelope.Status))
	for i, raw := range envelope.Status {
		var ms MediaStatus
		if err := json.Unmarshal(raw, &ms); err != nil {
			errs = append(errs, fmt.Errorf("%w: status[%d]: %w", ErrDecode, i, err))
			continue
		}
		out = append(out, ms)
	}
	return out, errors.Join(errs...)
}

// decodeAvailability reads a GET_APP_AVAILABILITY reply.
func decodeAvailability(payload []byte) (map[string]bool, error) {
	var reply struct {
		Availability map[string]string `json:"availability"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("%w: availability: %w", ErrDecode, err)
	}
	out := make(map[string]bool, len(reply.Availability))
	for id, v := range reply.Availability {
		out[id] = v == appAvailable
	}
	return out, nil
}

// BackdropAppID is the ambient screen app; older firmware reports it
// without isIdleScreen.
const BackdropAppID = "E8C28D3C"

// Idle reports whether the application is the receiver's idle screen.
func (a Application) Idle() bool {
	return a.IsIdleScreen || a.AppID == BackdropAppID
}

// FirstActive returns the first application that is not the idle screen.
func FirstActive(apps []Application) (Application, bool) {
	for _, app := range apps {
		if !app.Idle() {
			return app, true
		}
	}
	return Application{}, false
}
