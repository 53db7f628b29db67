package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteEndpointStatus records an endpoint status transition.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Status is stored as a field rather than a tag so that rapid
// transitions don't inflate series cardinality.
//
// Parameters:
//   - endpointID: Endpoint identifier (e.g., "PJSIP/100")
//   - tech: Channel technology ("SIP" or "PJSIP")
//   - status: Canonical status (e.g., "idle", "in_use", "ringing")
//
// Example:
//
//	client.WriteEndpointStatus("PJSIP/100", "PJSIP", "ringing")
func (c *Client) WriteEndpointStatus(endpointID string, tech string, status string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"endpoint_status",
		map[string]string{
			"endpoint_id": endpointID,
			"tech":        tech,
		},
		map[string]interface{}{
			"status": status,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDTMF records a DTMF digit observed on an endpoint's channel.
//
// Parameters:
//   - endpointID: Endpoint identifier
//   - digit: The digit pressed (0-9, *, #, A-D)
//   - direction: "Received" or "Sent" relative to Asterisk
func (c *Client) WriteDTMF(endpointID string, digit string, direction string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"dtmf",
		map[string]string{
			"endpoint_id": endpointID,
			"direction":   direction,
		},
		map[string]interface{}{
			"digit": digit,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSessionEvent records a manager session state transition.
//
// Used for tracking PBX connectivity over time (how often the manager
// connection drops, how long recovery takes).
//
// Parameters:
//   - state: Session state (e.g., "ready", "reconnecting", "auth_failed")
//   - reconnects: Total reconnect count since the bridge started
func (c *Client) WriteSessionEvent(state string, reconnects uint64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"manager_session",
		map[string]string{
			"state": state,
		},
		map[string]interface{}{
			// #nosec G115 -- reconnect counts never approach int64 range
			"reconnects": int64(reconnects),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "bridge-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
