package asterisk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
)

// MQTT message types for communication between Gray Logic Core and the
// Asterisk bridge. These types implement the platform bridge interface.

// CommandMessage is sent from Core to Bridge to act on an endpoint.
// Topic: graylogic/command/asterisk/{endpoint}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// EndpointID is the canonical endpoint identifier, e.g. "PJSIP/100".
	EndpointID string `json:"endpoint_id"`

	// Command is the command name ("hangup", "originate").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"cause": 16} for hangup
	//   {"exten": "200", "context": "default"} for originate
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "voice", "scene"
	Source string `json:"source"`
}

// NewCommandMessage creates a command with a generated ID.
func NewCommandMessage(endpointID, command string, parameters map[string]any) CommandMessage {
	return CommandMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		EndpointID: endpointID,
		Command:    command,
		Parameters: parameters,
	}
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was received and sent to the PBX.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the PBX did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/asterisk/{endpoint}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// EndpointID is the canonical endpoint identifier.
	EndpointID string `json:"endpoint_id"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Protocol is the protocol identifier ("asterisk").
	Protocol string `json:"protocol"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "ENDPOINT_UNKNOWN", "INVALID_COMMAND").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeEndpointUnknown   = "ENDPOINT_UNKNOWN"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNoActiveCall      = "NO_ACTIVE_CALL"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when endpoint state changes.
// Topic: graylogic/state/asterisk/{endpoint}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// EndpointID is the canonical endpoint identifier.
	EndpointID string `json:"endpoint_id"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Endpoint is the full consumer-visible endpoint snapshot.
	Endpoint endpoint.Endpoint `json:"endpoint"`

	// Protocol is the protocol identifier ("asterisk").
	Protocol string `json:"protocol"`
}

// NewStateMessage creates a state message from an endpoint snapshot.
func NewStateMessage(ep endpoint.Endpoint) StateMessage {
	return StateMessage{
		EndpointID: ep.ID,
		Timestamp:  time.Now().UTC(),
		Endpoint:   ep,
		Protocol:   "asterisk",
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/asterisk
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Bridge is the bridge identifier ("asterisk").
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Session contains manager session details.
	Session *SessionStatus `json:"session,omitempty"`

	// Statistics contains operational metrics.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Endpoints is the number of discovered endpoints.
	Endpoints int `json:"endpoints"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// SessionStatus describes the manager session state.
type SessionStatus struct {
	// State is the supervisor lifecycle state ("ready", "reconnecting", ...).
	State string `json:"state"`

	// Address is the manager interface address.
	Address string `json:"address"`

	// AsteriskVersion is the PBX version from CoreSettings, when known.
	AsteriskVersion string `json:"asterisk_version,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	// FramesReceived is the total number of manager frames received.
	FramesReceived uint64 `json:"frames_received"`

	// FramesSent is the total number of manager frames sent.
	FramesSent uint64 `json:"frames_sent"`

	// EventsReceived is the total number of unsolicited events received.
	EventsReceived uint64 `json:"events_received"`

	// Reconnects is the number of successful reconnections.
	Reconnects uint64 `json:"reconnects"`

	// QueueDepth is the current publisher queue depth.
	QueueDepth int `json:"queue_depth"`

	// QueueHighWater is the deepest the publisher queue has been.
	QueueHighWater int `json:"queue_high_water"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/asterisk/{request_id}
type RequestMessage struct {
	// RequestID uniquely identifies this request for correlation.
	RequestID string `json:"request_id"`

	// Timestamp is when the request was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation.
	// Values: "send_action", "discover", "read_all"
	Action string `json:"action"`

	// Parameters contains action-specific values. For "send_action":
	//   {"action": "CoreStatus", "params": {"key": "value"}}
	Parameters map[string]any `json:"parameters,omitempty"`
}

// NewRequestMessage creates a request with a generated ID.
func NewRequestMessage(action string, parameters map[string]any) RequestMessage {
	return RequestMessage{
		RequestID:  uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		Parameters: parameters,
	}
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/asterisk/{request_id}
type ResponseMessage struct {
	// RequestID is the ID from the original request.
	RequestID string `json:"request_id"`

	// Timestamp is when the response was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Success indicates whether the request succeeded.
	Success bool `json:"success"`

	// Data contains the response payload (if successful).
	Data map[string]any `json:"data,omitempty"`

	// Error contains error details (if failed).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	// Code is the error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// DiscoveryMessage is sent from Bridge to Core after endpoint discovery.
// Topic: graylogic/discovery/asterisk
type DiscoveryMessage struct {
	// Timestamp is when discovery was performed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Endpoints contains the discovered endpoints.
	Endpoints []DiscoveredEndpoint `json:"endpoints"`
}

// DiscoveredEndpoint represents an endpoint found during discovery.
type DiscoveredEndpoint struct {
	// EndpointID is the canonical endpoint identifier.
	EndpointID string `json:"endpoint_id"`

	// Tech is the channel technology ("SIP", "PJSIP").
	Tech string `json:"tech"`

	// Extension is the PBX extension.
	Extension string `json:"extension"`

	// Status is the logical status at discovery time.
	Status string `json:"status"`
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID:  cmd.ID,
		Timestamp:  time.Now().UTC(),
		EndpointID: cmd.EndpointID,
		Status:     status,
		Protocol:   "asterisk",
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID:  cmd.ID,
		Timestamp:  time.Now().UTC(),
		EndpointID: cmd.EndpointID,
		Status:     status,
		Protocol:   "asterisk",
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
// Published by the broker if the bridge disconnects unexpectedly.
func NewLWTMessage() HealthMessage {
	return HealthMessage{
		Bridge:    "asterisk",
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all Gray Logic messages.
	TopicPrefix = "graylogic"

	// protocolID is this bridge's protocol segment in topics.
	protocolID = "asterisk"
)

// EncodeTopicEndpoint makes an endpoint ID safe for use as one topic
// level ("PJSIP/100" → "PJSIP_100").
func EncodeTopicEndpoint(endpointID string) string {
	out := []rune(endpointID)
	for i, r := range out {
		switch r {
		case '/', '+', '#':
			out[i] = '_'
		}
	}
	return string(out)
}

// CommandTopic returns the MQTT topic for commands to an endpoint.
// Example: graylogic/command/asterisk/PJSIP_100
func CommandTopic(endpointID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocolID, EncodeTopicEndpoint(endpointID))
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(endpointID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocolID, EncodeTopicEndpoint(endpointID))
}

// StateTopic returns the MQTT topic for endpoint state updates.
// Example: graylogic/state/asterisk/PJSIP_100
func StateTopic(endpointID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocolID, EncodeTopicEndpoint(endpointID))
}

// HealthTopic returns the MQTT topic for health status.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocolID)
}

// RequestTopic returns the MQTT topic for requests.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, protocolID, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, protocolID, requestID)
}

// DiscoveryTopic returns the MQTT topic for endpoint discovery.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, protocolID)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, protocolID)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, protocolID)
}
