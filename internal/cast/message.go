package cast

import (
	gocast "github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// Namespaces used by the bridge.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
)

// ReceiverID is the platform destination for receiver-level messages.
const ReceiverID = "receiver-0"

// userAgent is announced on every virtual connection.
const userAgent = "graylogic-cast"

// outbound is a JSON payload the connection can stamp with a request id.
type outbound interface {
	gocast.Payload
	kind() string
}

// envelope is the type/requestId header every payload starts with.
type envelope struct {
	gocast.PayloadHeader
}

func wrap(h gocast.PayloadHeader) envelope { return envelope{h} }

func (e *envelope) kind() string { return e.Type }

type connectRequest struct {
	envelope
	Origin    struct{} `json:"origin"`
	UserAgent string   `json:"userAgent"`
}

type launchRequest struct {
	gocast.LaunchRequest
}

func (r *launchRequest) kind() string { return r.Type }

type stopRequest struct {
	envelope
	SessionID string `json:"sessionId"`
}

type volumeRequest struct {
	envelope
	Volume VolumeRequest `json:"volume"`
}

type availabilityRequest struct {
	envelope
	AppID []string `json:"appId"`
}

// mediaCommand is PLAY or PAUSE on one media session.
type mediaCommand struct {
	envelope
	MediaSessionID int `json:"mediaSessionId"`
}

func newConnect() *connectRequest {
	return &connectRequest{envelope: wrap(gocast.ConnectHeader), UserAgent: userAgent}
}

func newGetStatus() *envelope {
	e := wrap(gocast.GetStatusHeader)
	return &e
}

func newClose() *envelope {
	e := wrap(gocast.CloseHeader)
	return &e
}

func newPing() *envelope {
	e := wrap(gocast.PayloadHeader{Type: typePing})
	return &e
}

func newLaunch(appID string) *launchRequest {
	return &launchRequest{gocast.LaunchRequest{PayloadHeader: gocast.LaunchHeader, AppId: appID}}
}

func newStop(sessionID string) *stopRequest {
	return &stopRequest{envelope: wrap(gocast.StopHeader), SessionID: sessionID}
}

func newSetVolume(req VolumeRequest) *volumeRequest {
	return &volumeRequest{envelope: wrap(gocast.VolumeHeader), Volume: req}
}

func newAvailability(appIDs []string) *availabilityRequest {
	return &availabilityRequest{
		envelope: wrap(gocast.PayloadHeader{Type: typeGetAppAvailability}),
		AppID:    appIDs,
	}
}

func newMediaCommand(h gocast.PayloadHeader, mediaSessionID int) *mediaCommand {
	return &mediaCommand{envelope: wrap(h), MediaSessionID: mediaSessionID}
}

// inbound is the part of a received CastMessage the link looks at. Binary
// payloads are not used on any of the bridge's namespaces.
type inbound struct {
	source    string
	namespace string
	payload   string
}

func fromWire(m *pb.CastMessage) (inbound, bool) {
	if m == nil || m.GetPayloadType() != pb.CastMessage_STRING {
		return inbound{}, false
	}
	return inbound{
		source:    m.GetSourceId(),
		namespace: m.GetNamespace(),
		payload:   m.GetPayloadUtf8(),
	}, true
}
