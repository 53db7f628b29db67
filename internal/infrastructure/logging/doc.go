// Package logging provides structured logging for the Asterisk bridge.
//
// It wraps log/slog so every package logs through the same handler
// with the same default fields (service, version). The bridge's other
// packages declare narrow Logger interfaces that *logging.Logger
// satisfies, keeping them testable with no-op loggers.
//
// Configured via the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Use child loggers to attribute output to a component:
//
//	amiLog := logger.With("component", "ami")
//	amiLog.Info("session established", "address", addr)
//
// Never log the manager secret, MQTT credentials or InfluxDB tokens.
package logging
