// Package api implements the HTTP REST API for the Asterisk bridge.
//
// This package provides:
//   - Read-only endpoints for the endpoint registry and transition history
//   - A health snapshot mirroring the retained MQTT health message
//   - Runtime and session metrics for dashboards and debugging
//   - Middleware stack (request ID, logging, recovery)
//
// # Architecture
//
// The API is a diagnostic window into the bridge, not a control plane.
// Commands travel over MQTT; nothing exposed here mutates PBX state.
// All routes are GET and all responses are JSON.
//
// # Graceful Degradation
//
// The server operates without optional dependencies. Without the health
// reporter, /health degrades to a basic liveness response. Without a
// history repository, history routes return 503. Without a database
// handle, /metrics omits pool statistics.
package api
