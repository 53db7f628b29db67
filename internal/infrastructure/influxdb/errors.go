package influxdb

import "errors"

// Sentinel errors, checkable with errors.Is.
var (
	// ErrNotConnected indicates the client has been closed or never
	// connected.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled indicates telemetry is switched off in config.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
