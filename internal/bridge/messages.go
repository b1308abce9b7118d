package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-cast/internal/cast"
	"github.com/nerrad567/gray-logic-cast/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cast/internal/registry"
	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// Commands accepted on graylogic/command/cast/{id}.
const (
	CommandSetVolume = "set_volume"
	CommandMute      = "mute"
	CommandUnmute    = "unmute"
	CommandOn        = "on"
	CommandOff       = "off"
	CommandPlay      = "play"
	CommandPause     = "pause"
	CommandStop      = "stop"
	CommandSet       = "set"
)

// Request actions accepted on graylogic/request/cast/{id}.
const (
	ActionReadState     = "read_state"
	ActionListDevices   = "list_devices"
	ActionStartPairing  = "start_pairing"
	ActionCancelPairing = "cancel_pairing"
)

// CommandMessage is sent from the hub to change a device property.
// Topic: graylogic/command/cast/{id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID defaults to the id segment of the topic when empty.
	DeviceID string `json:"device_id"`

	// Command is one of the Command* names.
	// Examples:
	//   {"command": "set_volume", "parameters": {"level": 40}}
	//   {"command": "set", "parameters": {"property": "muted", "value": true}}
	Command string `json:"command"`

	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "scene", ...).
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the receiver confirmed the change.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the receiver did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent to the hub once a command has completed.
// Topic: graylogic/ack/cast/{id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
)

// StateMessage carries every mirrored property of one device.
// Topic: graylogic/state/cast/{id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID    string         `json:"device_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Address     string         `json:"address"`
	Protocol    string         `json:"protocol"`
	Reachable   bool           `json:"reachable"`
	State       map[string]any `json:"state"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/cast
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge           string                  `json:"bridge"`
	Timestamp        time.Time               `json:"timestamp"`
	Status           HealthStatus            `json:"status"`
	Version          string                  `json:"version"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	DevicesManaged   int                     `json:"devices_managed"`
	DevicesConnected int                     `json:"devices_connected"`
	Pairing          *registry.PairingStatus `json:"pairing,omitempty"`
	Statistics       *Statistics             `json:"statistics,omitempty"`
	Reason           string                  `json:"reason,omitempty"`
}

// Statistics contains bridge counters.
type Statistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	RequestsReceived uint64 `json:"requests_received"`
	StatesPublished  uint64 `json:"states_published"`
	PublishErrors    uint64 `json:"publish_errors"`
}

// RequestMessage is sent from the hub for request/response operations.
// Topic: graylogic/request/cast/{request_id}
type RequestMessage struct {
	// RequestID defaults to the id segment of the topic when empty.
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"`
	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: graylogic/response/cast/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoveryMessage lists every registered device.
// Topic: graylogic/discovery/cast
// QoS: 1, Retained: Yes
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice is one entry of the discovery list.
type DiscoveredDevice struct {
	ID           string   `json:"id"`
	Protocol     string   `json:"protocol"`
	Address      string   `json:"address"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Product      string   `json:"product,omitempty"`
	Name         string   `json:"name"`
}

// deviceType is the Gray Logic type of every cast receiver.
const deviceType = "media_player"

// capabilities lists the properties a cast device exposes.
func capabilities() []string {
	out := make([]string, 0, len(session.AllProperties))
	for _, p := range session.AllProperties {
		out = append(out, string(p))
	}
	return out
}

// NewAckMessage creates a successful acknowledgement for a command.
func NewAckMessage(cmd CommandMessage) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckAccepted,
		Protocol:  mqtt.Protocol,
	}
}

// NewAckError creates an acknowledgement with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd)
	ack.Status = status
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// newResponse creates a successful response.
func newResponse(req RequestMessage, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// newErrorResponse creates a failed response.
func newErrorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// errorCode maps a device error onto a hub error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return ErrCodeNotConfigured
	case errors.Is(err, session.ErrInvalidValue):
		return ErrCodeInvalidParameters
	case errors.Is(err, session.ErrInvalidState):
		return ErrCodeInvalidState
	case errors.Is(err, session.ErrConnection):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, cast.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeProtocolError
	}
}

// stateMap converts typed property keys for JSON.
func stateMap(props map[session.Property]any) map[string]any {
	out := make(map[string]any, len(props))
	for p, v := range props {
		out[string(p)] = v
	}
	return out
}
