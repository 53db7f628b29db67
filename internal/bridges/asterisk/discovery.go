package asterisk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-asterisk/internal/ami"
	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
)

// Endpoint discovery. Runs on every successful manager connect (the PBX
// may have been reconfigured while the bridge was away) and on demand via
// a "discover" request.
//
// Discovery walks both channel technologies. A technology whose module is
// not loaded answers with an error response; that is a normal deployment
// shape, not a failure.

// resubscribe is the supervisor's connect hook: it establishes what the
// bridge knows about the PBX on a fresh session. A failure here makes the
// supervisor drop the session and retry with backoff.
func (b *Bridge) resubscribe(ctx context.Context, client *ami.Client) error {
	settings, err := client.Invoke(ctx, ami.NewAction("CoreSettings"))
	if err != nil {
		return fmt.Errorf("core settings: %w", err)
	}
	if v := settings.Get("AsteriskVersion"); v != "" {
		b.health.SetAsteriskVersion(v)
		b.logInfo("connected to asterisk", "version", v)
	}

	if _, err := b.discover(ctx, client); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	return nil
}

// discover enumerates endpoints of every technology, seeds the registry
// through the publisher, and refreshes their device states. Returns the
// number of endpoints found.
//
// Updates flow through the publisher rather than straight into the
// registry so that discovery results and live events interleave in one
// ordered stream.
func (b *Bridge) discover(ctx context.Context, client *ami.Client) (int, error) {
	var found []DiscoveredEndpoint

	sip, err := b.discoverSIP(ctx, client)
	if err != nil {
		return 0, err
	}
	found = append(found, sip...)

	pjsip, err := b.discoverPJSIP(ctx, client)
	if err != nil {
		return 0, err
	}
	found = append(found, pjsip...)

	for _, d := range found {
		b.publisher.Publish(Update{
			Kind: UpdateUpsert,
			Endpoint: &endpoint.Endpoint{
				ID:        d.EndpointID,
				Tech:      endpoint.Tech(d.Tech),
				Extension: d.Extension,
				Status:    endpoint.Status(d.Status),
			},
		})
	}

	if err := b.refreshDeviceStates(ctx, client); err != nil {
		return 0, err
	}

	b.publishDiscovery(found)
	b.logInfo("endpoint discovery complete", "endpoints", len(found))
	return len(found), nil
}

// discoverSIP enumerates chan_sip peers.
func (b *Bridge) discoverSIP(ctx context.Context, client *ami.Client) ([]DiscoveredEndpoint, error) {
	resp, events, err := client.InvokeList(ctx, ami.NewAction("SIPpeers"), "PeerlistComplete")
	if err != nil {
		return nil, fmt.Errorf("sip peers: %w", err)
	}
	if !resp.IsSuccess() {
		// chan_sip not loaded on this PBX.
		b.logDebug("sip peer listing unavailable", "message", resp.Get("Message"))
		return nil, nil
	}

	var found []DiscoveredEndpoint
	for _, ev := range events {
		if ev.Event() != "PeerEntry" {
			continue
		}
		name := ev.Get("ObjectName")
		if name == "" {
			continue
		}
		found = append(found, DiscoveredEndpoint{
			EndpointID: endpoint.ID(endpoint.TechSIP, name),
			Tech:       string(endpoint.TechSIP),
			Extension:  name,
			Status:     string(peerEntryStatus(ev.Get("Status"))),
		})
	}
	return found, nil
}

// discoverPJSIP enumerates PJSIP endpoints.
func (b *Bridge) discoverPJSIP(ctx context.Context, client *ami.Client) ([]DiscoveredEndpoint, error) {
	resp, events, err := client.InvokeList(ctx, ami.NewAction("PJSIPShowEndpoints"), "EndpointListComplete")
	if err != nil {
		return nil, fmt.Errorf("pjsip endpoints: %w", err)
	}
	if !resp.IsSuccess() {
		b.logDebug("pjsip endpoint listing unavailable", "message", resp.Get("Message"))
		return nil, nil
	}

	var found []DiscoveredEndpoint
	for _, ev := range events {
		if ev.Event() != "EndpointList" {
			continue
		}
		name := ev.Get("ObjectName")
		if name == "" {
			continue
		}
		found = append(found, DiscoveredEndpoint{
			EndpointID: endpoint.ID(endpoint.TechPJSIP, name),
			Tech:       string(endpoint.TechPJSIP),
			Extension:  name,
			Status:     string(b.mapping.FromDeviceState(ev.Get("DeviceState"))),
		})
	}
	return found, nil
}

// refreshDeviceStates replays the PBX's current device states through the
// normal event path, correcting anything that went stale while the bridge
// was disconnected.
func (b *Bridge) refreshDeviceStates(ctx context.Context, client *ami.Client) error {
	resp, events, err := client.InvokeList(ctx, ami.NewAction("DeviceStateList"), "DeviceStateListComplete")
	if err != nil {
		return fmt.Errorf("device states: %w", err)
	}
	if !resp.IsSuccess() {
		b.logDebug("device state listing unavailable", "message", resp.Get("Message"))
		return nil
	}

	for _, ev := range events {
		if ev.Event() == "DeviceStateChange" {
			b.dispatcher.Dispatch(ev)
		}
	}
	return nil
}

// publishDiscovery announces the discovered endpoint set to Core.
func (b *Bridge) publishDiscovery(found []DiscoveredEndpoint) {
	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    protocolID,
		Endpoints: found,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}
	if err := b.mqtt.Publish(DiscoveryTopic(), payload, 1, false); err != nil {
		b.logError("failed to publish discovery", err)
	}
}

// peerEntryStatus maps the Status column of a PeerEntry, which is prose
// like "OK (5 ms)", "UNREACHABLE" or "Unmonitored", to a logical status.
func peerEntryStatus(s string) endpoint.Status {
	head, _, _ := strings.Cut(s, " ")
	switch strings.ToUpper(head) {
	case "OK", "LAGGED":
		return endpoint.StatusIdle
	case "UNREACHABLE", "UNKNOWN":
		return endpoint.StatusUnavailable
	default:
		return endpoint.StatusUnknown
	}
}
