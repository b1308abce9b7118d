package mqtt

import (
	"fmt"
	"strings"
)

const (
	// TopicPrefix is the root of every Gray Logic topic.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment the cast bridge owns.
	Protocol = "cast"
)

// Topic categories under graylogic/{category}/cast.
const (
	CategoryState     = "state"
	CategoryCommand   = "command"
	CategoryAck       = "ack"
	CategoryRequest   = "request"
	CategoryResponse  = "response"
	CategoryHealth    = "health"
	CategoryDiscovery = "discovery"
)

// Topics builds the flat graylogic/{category}/cast/{id} topics.
//
//	topics := mqtt.Topics{}
//	topics.State("living-room-tv") // graylogic/state/cast/living-room-tv
type Topics struct{}

// State returns the retained state topic for a device.
func (Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryState, Protocol, deviceID)
}

// Command returns the command topic for a device.
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryCommand, Protocol, deviceID)
}

// Ack returns the command acknowledgement topic for a device.
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryAck, Protocol, deviceID)
}

// Request returns the request topic for a request ID.
func (Topics) Request(requestID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryRequest, Protocol, requestID)
}

// Response returns the response topic for a request ID.
func (Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryResponse, Protocol, requestID)
}

// Health returns the retained bridge health topic (also the LWT topic).
func (Topics) Health() string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, CategoryHealth, Protocol)
}

// Discovery returns the retained device list topic.
func (Topics) Discovery() string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, CategoryDiscovery, Protocol)
}

// AllStates matches every device state topic.
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/%s/%s/+", TopicPrefix, CategoryState, Protocol)
}

// AllCommands matches every device command topic.
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/%s/%s/+", TopicPrefix, CategoryCommand, Protocol)
}

// AllRequests matches every request topic.
func (Topics) AllRequests() string {
	return fmt.Sprintf("%s/%s/%s/+", TopicPrefix, CategoryRequest, Protocol)
}

// ParseTopic splits graylogic/{category}/cast/{id} into its category and
// id. Topics without an id segment (health, discovery) return id "".
func ParseTopic(topic string) (category, id string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != TopicPrefix || parts[2] != Protocol {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if len(parts) == 4 {
		if parts[3] == "" {
			return "", "", fmt.Errorf("%w: empty id in %q", ErrInvalidTopic, topic)
		}
		return parts[1], parts[3], nil
	}
	return parts[1], "", nil
}
