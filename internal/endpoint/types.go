package endpoint

import (
	"fmt"
	"time"
)

// Tech is the channel technology an endpoint registers with.
type Tech string

// Supported channel technologies.
const (
	TechSIP   Tech = "SIP"
	TechPJSIP Tech = "PJSIP"
)

// Status is the logical state of an endpoint as exposed to consumers.
type Status string

// Endpoint statuses.
const (
	StatusIdle        Status = "idle"
	StatusInUse       Status = "in_use"
	StatusRinging     Status = "ringing"
	StatusUnavailable Status = "unavailable"
	StatusUnknown     Status = "unknown"
)

// DTMF direction values, as reported by the PBX.
const (
	DTMFSent     = "Sent"
	DTMFReceived = "Received"
)

// DTMF records the most recent digit seen on an endpoint's channel.
type DTMF struct {
	Digit      string    `json:"digit"`
	Direction  string    `json:"direction"`
	ReceivedAt time.Time `json:"received_at"`
}

// Call holds the attributes of an endpoint's active channel. Cleared on
// hangup.
type Call struct {
	Channel      string `json:"channel"`
	CallerIDName string `json:"caller_id_name,omitempty"`
	CallerIDNum  string `json:"caller_id_num,omitempty"`
}

// Endpoint is the consumer-visible state of one PBX extension.
//
// Instances are owned by the Registry; reads get deep copies. The set of
// endpoints is rebuilt by discovery after every reconnect, but known
// endpoints keep their identity so downstream state survives the cycle.
type Endpoint struct {
	// ID is "TECH/extension", e.g. "PJSIP/100".
	ID string `json:"id"`

	Tech      Tech   `json:"tech"`
	Extension string `json:"extension"`
	Status    Status `json:"status"`

	// Connected line, from the PBX's view of the far end.
	ConnectedLineName string `json:"connected_line_name,omitempty"`
	ConnectedLineNum  string `json:"connected_line_num,omitempty"`

	// ActiveCall is nil when the endpoint has no channel up.
	ActiveCall *Call `json:"active_call,omitempty"`

	// LastDTMF is nil until a digit has been seen.
	LastDTMF *DTMF `json:"last_dtmf,omitempty"`

	// LastHangupCause is the ISDN cause code of the most recent hangup.
	LastHangupCause int `json:"last_hangup_cause,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ID builds the canonical endpoint identifier.
func ID(tech Tech, extension string) string {
	return fmt.Sprintf("%s/%s", tech, extension)
}

// Validate checks required fields.
func (e *Endpoint) Validate() error {
	if e.Tech == "" || e.Extension == "" {
		return fmt.Errorf("%w: tech and extension are required", ErrInvalidEndpoint)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEndpoint)
	}
	return nil
}

// DeepCopy returns a copy sharing no mutable state with the original.
func (e *Endpoint) DeepCopy() *Endpoint {
	if e == nil {
		return nil
	}
	clone := *e
	if e.ActiveCall != nil {
		call := *e.ActiveCall
		clone.ActiveCall = &call
	}
	if e.LastDTMF != nil {
		dtmf := *e.LastDTMF
		clone.LastDTMF = &dtmf
	}
	return &clone
}
