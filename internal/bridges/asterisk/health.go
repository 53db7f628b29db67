package asterisk

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-asterisk/internal/ami"
	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
)

// HealthReporter manages periodic health status reporting.
// It publishes health messages to MQTT at regular intervals.
type HealthReporter struct {
	version   string
	address   string
	startTime time.Time
	interval  time.Duration

	publisher  HealthPublisher
	supervisor *ami.Supervisor
	queue      *Publisher
	registry   *endpoint.Registry

	// PBX version from CoreSettings (updated on every connect)
	asteriskVersion   string
	asteriskVersionMu sync.RWMutex

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Version is the bridge software version.
	Version string

	// Address is the manager interface address, reported in session status.
	Address string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Supervisor provides session state and statistics.
	Supervisor *ami.Supervisor

	// Queue provides state pipeline statistics.
	Queue *Publisher

	// Registry provides the endpoint count.
	Registry *endpoint.Registry
}

// NewHealthReporter creates a new health reporter.
// Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &HealthReporter{
		version:    cfg.Version,
		address:    cfg.Address,
		startTime:  time.Now(),
		interval:   interval,
		publisher:  cfg.Publisher,
		supervisor: cfg.Supervisor,
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		done:       make(chan struct{}),
	}
}

// Start begins periodic health reporting.
// Must be called after creation. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		// Best-effort during shutdown, nothing we can do if it fails
		//nolint:errcheck
		h.publishStatus(HealthStopping, "")
	})
}

// SetAsteriskVersion records the PBX version reported by CoreSettings.
func (h *HealthReporter) SetAsteriskVersion(version string) {
	h.asteriskVersionMu.Lock()
	h.asteriskVersion = version
	h.asteriskVersionMu.Unlock()
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
// Called during bridge initialization.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
// Useful for forcing an update after a significant event.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Snapshot returns the current health message without publishing it.
// Used by the API health endpoint.
func (h *HealthReporter) Snapshot() HealthMessage {
	status, reason := h.determineStatus()
	return h.buildMessage(status, reason)
}

// GetLWTPayload returns the Last Will and Testament message payload.
// This should be set as the MQTT will message during connection.
func (h *HealthReporter) GetLWTPayload() ([]byte, error) {
	msg := NewLWTMessage()
	return json.Marshal(msg)
}

// GetLWTTopic returns the topic for the Last Will and Testament.
func (h *HealthReporter) GetLWTTopic() string {
	return HealthTopic()
}

// reportLoop runs the periodic health reporting.
func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	if h.supervisor != nil {
		switch h.supervisor.State() {
		case ami.StateReady:
		case ami.StateAuthFailed:
			return HealthDegraded, "manager authentication rejected"
		default:
			return HealthDegraded, "manager session down"
		}
	}

	return HealthHealthy, ""
}

// buildMessage assembles a health message from the current component stats.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        protocolID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}

	if h.registry != nil {
		msg.Endpoints = h.registry.Count()
	}

	if h.supervisor != nil {
		stats := h.supervisor.Stats()

		h.asteriskVersionMu.RLock()
		pbxVersion := h.asteriskVersion
		h.asteriskVersionMu.RUnlock()

		msg.Session = &SessionStatus{
			State:           string(stats.State),
			Address:         h.address,
			AsteriskVersion: pbxVersion,
		}

		statistics := &BridgeStatistics{
			FramesReceived: stats.Session.FramesRx,
			FramesSent:     stats.Session.FramesTx,
			EventsReceived: stats.Session.EventsRx,
			Reconnects:     stats.ReconnectsTotal,
		}
		if h.queue != nil {
			qs := h.queue.Stats()
			statistics.QueueDepth = qs.Depth
			statistics.QueueHighWater = qs.HighWater
		}
		msg.Statistics = statistics
	}

	return msg
}

// publishStatus publishes a health status message.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	msg := h.buildMessage(status, reason)
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// QoS 1, retained
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

// logError logs an error if logger is set.
func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
