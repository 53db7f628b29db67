package asterisk

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-asterisk/internal/ami"
	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
)

// hangupCauseAnsweredElsewhere is sent for every other device when one
// device of a ring group answers. It is noise, not a call ending, and is
// ignored.
const hangupCauseAnsweredElsewhere = 26

// DispatcherStats holds event classification statistics.
type DispatcherStats struct {
	EventsHandled uint64
	EventsIgnored uint64
}

// Dispatcher classifies the full unsolicited event stream into endpoint
// updates and hands each one to the publisher exactly once.
//
// It runs on the protocol read loop goroutine and must stay non-blocking;
// all real work happens on the publisher's apply goroutine. It receives
// every event the manager emits: filtering happens here, by event name,
// never at subscription time.
type Dispatcher struct {
	mapping   *endpoint.StatusMapping
	publisher *Publisher

	handled atomic.Uint64
	ignored atomic.Uint64
}

// NewDispatcher creates a dispatcher feeding the given publisher.
func NewDispatcher(mapping *endpoint.StatusMapping, publisher *Publisher) *Dispatcher {
	return &Dispatcher{
		mapping:   mapping,
		publisher: publisher,
	}
}

// Stats returns classification statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		EventsHandled: d.handled.Load(),
		EventsIgnored: d.ignored.Load(),
	}
}

// Dispatch classifies one event frame. Unrecognised events are ignored
// explicitly; nothing here returns an error because a misunderstood
// event must never disturb the session.
func (d *Dispatcher) Dispatch(frame *ami.Frame) {
	handled := true
	switch frame.Event() {
	case "DeviceStateChange":
		handled = d.handleDeviceState(frame)
	case "ExtensionStatus":
		handled = d.handleExtensionStatus(frame)
	case "Status":
		handled = d.handleStatus(frame)
	case "PeerStatus":
		handled = d.handlePeerStatus(frame)
	case "NewConnectedLine":
		handled = d.handleConnectedLine(frame)
	case "DTMFBegin":
		handled = d.handleDTMF(frame)
	case "Newchannel":
		handled = d.handleNewChannel(frame)
	case "Hangup":
		handled = d.handleHangup(frame)
	default:
		handled = false
	}

	if handled {
		d.handled.Add(1)
	} else {
		d.ignored.Add(1)
	}
}

// handleDeviceState maps a DeviceStateChange event.
// Device: "PJSIP/100", State: "INUSE".
func (d *Dispatcher) handleDeviceState(frame *ami.Frame) bool {
	id, ok := parseDevice(frame.Get("Device"))
	if !ok {
		return false
	}
	d.publisher.Publish(Update{
		Kind:       UpdateStatus,
		EndpointID: id,
		Status:     d.mapping.FromDeviceState(frame.Get("State")),
	})
	return true
}

// handleExtensionStatus maps an ExtensionStatus event. The event names
// only the extension, so the update fans out to every technology
// registered under it.
func (d *Dispatcher) handleExtensionStatus(frame *ami.Frame) bool {
	exten := frame.Get("Exten")
	if exten == "" {
		return false
	}
	code, err := strconv.Atoi(frame.Get("Status"))
	if err != nil {
		return false
	}
	d.publisher.Publish(Update{
		Kind:      UpdateStatusByExtension,
		Extension: exten,
		Status:    d.mapping.FromExtensionState(code),
	})
	return true
}

// handleStatus maps a Status event (emitted by the Status action and for
// channel snapshots). Older Asterisk builds name the endpoint in a Peer
// header and carry a textual Status instead of a numeric ChannelState,
// so both shapes are accepted.
func (d *Dispatcher) handleStatus(frame *ami.Frame) bool {
	id, ok := parseChannel(frame.Get("Channel"))
	if !ok {
		id, ok = parseDevice(frame.Get("Peer"))
		if !ok {
			return false
		}
	}
	var status endpoint.Status
	if code, err := strconv.Atoi(frame.Get("ChannelState")); err == nil {
		status = channelStateToStatus(code)
	} else if text := frame.Get("Status"); text != "" {
		status = d.mapping.FromDeviceState(text)
	} else {
		return false
	}
	d.publisher.Publish(Update{
		Kind:       UpdateStatus,
		EndpointID: id,
		Status:     status,
	})
	return true
}

// handlePeerStatus maps a PeerStatus event.
// Peer: "SIP/100", PeerStatus: "Registered".
func (d *Dispatcher) handlePeerStatus(frame *ami.Frame) bool {
	id, ok := parseDevice(frame.Get("Peer"))
	if !ok {
		return false
	}
	d.publisher.Publish(Update{
		Kind:       UpdateStatus,
		EndpointID: id,
		Status:     d.mapping.FromDeviceState(frame.Get("PeerStatus")),
	})
	return true
}

// handleConnectedLine maps a NewConnectedLine event. Connected-line
// attributes change without a status change.
func (d *Dispatcher) handleConnectedLine(frame *ami.Frame) bool {
	id, ok := parseChannel(frame.Get("Channel"))
	if !ok {
		return false
	}
	d.publisher.Publish(Update{
		Kind:          UpdateConnectedLine,
		EndpointID:    id,
		ConnectedName: frame.Get("ConnectedLineName"),
		ConnectedNum:  frame.Get("ConnectedLineNum"),
	})
	return true
}

// handleDTMF maps a DTMFBegin event.
func (d *Dispatcher) handleDTMF(frame *ami.Frame) bool {
	id, ok := parseChannel(frame.Get("Channel"))
	if !ok {
		return false
	}
	d.publisher.Publish(Update{
		Kind:       UpdateDTMF,
		EndpointID: id,
		DTMF: endpoint.DTMF{
			Digit:      frame.Get("Digit"),
			Direction:  frame.Get("Direction"),
			ReceivedAt: time.Now().UTC(),
		},
	})
	return true
}

// handleNewChannel maps a Newchannel event into call attributes.
func (d *Dispatcher) handleNewChannel(frame *ami.Frame) bool {
	channel := frame.Get("Channel")
	id, ok := parseChannel(channel)
	if !ok {
		return false
	}
	d.publisher.Publish(Update{
		Kind:       UpdateCallStart,
		EndpointID: id,
		Call: endpoint.Call{
			Channel:      channel,
			CallerIDName: frame.Get("CallerIDName"),
			CallerIDNum:  frame.Get("CallerIDNum"),
		},
	})
	return true
}

// handleHangup maps a Hangup event, dropping the answered-elsewhere
// cause.
func (d *Dispatcher) handleHangup(frame *ami.Frame) bool {
	id, ok := parseChannel(frame.Get("Channel"))
	if !ok {
		return false
	}
	cause, err := strconv.Atoi(frame.Get("Cause"))
	if err != nil {
		cause = 0
	}
	if cause == hangupCauseAnsweredElsewhere {
		return false
	}
	d.publisher.Publish(Update{
		Kind:        UpdateCallEnd,
		EndpointID:  id,
		HangupCause: cause,
	})
	return true
}

// channelStateToStatus maps the numeric ChannelState of Status events.
// Channel states are call-leg states, a different code space from
// extension states.
func channelStateToStatus(code int) endpoint.Status {
	switch code {
	case 0, 1: // Down, Reserved
		return endpoint.StatusIdle
	case 4, 5: // Ring, Ringing
		return endpoint.StatusRinging
	case 2, 3, 6, 7, 8, 9: // Dialing, OffHook, Up, Busy, ...
		return endpoint.StatusInUse
	default:
		return endpoint.StatusUnknown
	}
}

// parseDevice extracts an endpoint ID from a device identifier like
// "PJSIP/100". Devices of other technologies (Local, DAHDI, custom) are
// not endpoints and are skipped.
func parseDevice(device string) (string, bool) {
	tech, rest, ok := strings.Cut(device, "/")
	if !ok || rest == "" {
		return "", false
	}
	switch strings.ToUpper(tech) {
	case string(endpoint.TechSIP):
		return endpoint.ID(endpoint.TechSIP, rest), true
	case string(endpoint.TechPJSIP):
		return endpoint.ID(endpoint.TechPJSIP, rest), true
	default:
		return "", false
	}
}

// parseChannel extracts an endpoint ID from a channel name like
// "PJSIP/100-00000a2f": the technology plus the extension before the
// channel suffix.
func parseChannel(channel string) (string, bool) {
	tech, rest, ok := strings.Cut(channel, "/")
	if !ok || rest == "" {
		return "", false
	}
	if i := strings.LastIndex(rest, "-"); i > 0 {
		rest = rest[:i]
	}
	switch strings.ToUpper(tech) {
	case string(endpoint.TechSIP):
		return endpoint.ID(endpoint.TechSIP, rest), true
	case string(endpoint.TechPJSIP):
		return endpoint.ID(endpoint.TechPJSIP, rest), true
	default:
		return "", false
	}
}
