package asterisk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-asterisk/internal/ami"
	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds a single command's round trip to the PBX.
	commandTimeout = 5 * time.Second

	// requestTimeout bounds request actions, which may run several
	// manager actions (discovery walks every technology).
	requestTimeout = 30 * time.Second
)

// Logger is the interface for structured logging in this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// Telemetry receives time-series measurements. Satisfied by the InfluxDB
// client; optional, nil disables telemetry.
type Telemetry interface {
	WriteEndpointStatus(endpointID string, tech string, status string)
	WriteDTMF(endpointID string, digit string, direction string)
	WriteSessionEvent(state string, reconnects uint64)
}

// Bridge orchestrates bidirectional translation between the Asterisk
// manager interface and MQTT. It handles:
//   - Receiving commands from Core via MQTT and translating to manager actions
//   - Receiving manager events and publishing endpoint state updates to MQTT
//   - Endpoint discovery, health reporting, and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	address    string
	mqtt       MQTTClient
	supervisor *ami.Supervisor
	publisher  *Publisher
	dispatcher *Dispatcher
	registry   *endpoint.Registry
	mapping    *endpoint.StatusMapping
	history    endpoint.HistoryRepository // optional
	telemetry  Telemetry                  // optional
	health     *HealthReporter

	// Shutdown coordination
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Manager is the session and reconnect configuration.
	Manager ami.SupervisorConfig

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Registry holds endpoint state. If nil, a fresh registry is created.
	Registry *endpoint.Registry

	// Mapping translates raw PBX state codes to logical statuses.
	// If nil, the default mapping is used.
	Mapping *endpoint.StatusMapping

	// History is optional endpoint history persistence.
	History endpoint.HistoryRepository

	// Telemetry is optional time-series output.
	Telemetry Telemetry

	// Version is the bridge software version, reported in health messages.
	Version string

	// HealthInterval is how often health is published. 0 uses the default.
	HealthInterval time.Duration

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Manager.Client.Address == "" {
		return nil, fmt.Errorf("manager address is required")
	}

	registry := opts.Registry
	if registry == nil {
		registry = endpoint.NewRegistry()
	}
	mapping := opts.Mapping
	if mapping == nil {
		mapping = endpoint.DefaultStatusMapping()
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		address:   opts.Manager.Client.Address,
		mqtt:      opts.MQTTClient,
		registry:  registry,
		mapping:   mapping,
		history:   opts.History,
		telemetry: opts.Telemetry,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.publisher = NewPublisher(b.applyUpdate)
	b.dispatcher = NewDispatcher(mapping, b.publisher)
	b.supervisor = ami.NewSupervisor(opts.Manager)
	b.supervisor.SetOnEvent(b.dispatcher.Dispatch)
	b.supervisor.SetResubscribe(b.resubscribe)
	b.supervisor.SetOnState(b.handleSessionState)

	// Every registry mutation fans out to MQTT as a retained state update.
	registry.Subscribe(b.publishState)

	b.health = NewHealthReporter(HealthReporterConfig{
		Version:    opts.Version,
		Address:    b.address,
		Interval:   opts.HealthInterval,
		Publisher:  opts.MQTTClient,
		Supervisor: b.supervisor,
		Queue:      b.publisher,
		Registry:   registry,
	})

	if opts.Logger != nil {
		b.publisher.SetLogger(opts.Logger)
		b.supervisor.SetLogger(opts.Logger)
		registry.SetLogger(opts.Logger)
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation: it subscribes to MQTT topics, starts the
// state pipeline, and connects to the manager interface.
//
// The first manager connection is made synchronously and its failure is
// returned; the caller decides whether a PBX that is down at boot is
// fatal. Once Start returns nil the supervisor reconnects on its own.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.publisher.Start()

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	if err := b.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("connect to manager: %w", err)
	}

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started",
		"address", b.address,
		"endpoints", b.registry.Count())

	return nil
}

// Stop gracefully shuts down the bridge. The publisher is drained before
// the health reporter announces stopping, so no state update is lost.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()

		if err := b.supervisor.Close(); err != nil {
			b.logError("supervisor close", err)
		}
		b.publisher.Stop()
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// Registry returns the endpoint registry, for the API layer.
func (b *Bridge) Registry() *endpoint.Registry {
	return b.registry
}

// Health returns the health reporter, for the API layer and LWT setup.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// applyUpdate runs on the publisher's apply goroutine. It owns every
// registry mutation; state fan-out to MQTT happens via the registry
// subscription, history and telemetry are written here where the update
// kind is known.
func (b *Bridge) applyUpdate(update Update) {
	switch update.Kind {
	case UpdateUpsert:
		if err := b.registry.Upsert(update.Endpoint); err != nil {
			b.logError("endpoint upsert failed", err)
			return
		}
		b.recordStatus(update.Endpoint.ID, update.Endpoint.Status, nil)

	case UpdateStatus:
		b.applyStatus(update.EndpointID, update.Status)

	case UpdateStatusByExtension:
		for _, id := range b.registry.IDsByExtension(update.Extension) {
			b.applyStatus(id, update.Status)
		}

	case UpdateConnectedLine:
		_, err := b.registry.UpdateConnectedLine(update.EndpointID, update.ConnectedName, update.ConnectedNum)
		b.logUnlessUnknown("connected line update", update.EndpointID, err)

	case UpdateDTMF:
		_, err := b.registry.UpdateDTMF(update.EndpointID, update.DTMF)
		b.logUnlessUnknown("dtmf update", update.EndpointID, err)
		if err == nil {
			if b.history != nil {
				if herr := b.history.RecordDTMF(b.ctx, update.EndpointID, update.DTMF); herr != nil {
					b.logError("history dtmf write failed", herr)
				}
			}
			if b.telemetry != nil {
				b.telemetry.WriteDTMF(update.EndpointID, update.DTMF.Digit, update.DTMF.Direction)
			}
		}

	case UpdateCallStart:
		_, err := b.registry.UpdateCall(update.EndpointID, update.Call)
		b.logUnlessUnknown("call start update", update.EndpointID, err)

	case UpdateCallEnd:
		_, err := b.registry.ClearCall(update.EndpointID, update.HangupCause)
		b.logUnlessUnknown("call end update", update.EndpointID, err)
	}
}

// applyStatus sets one endpoint's status and records it.
func (b *Bridge) applyStatus(id string, status endpoint.Status) {
	ep, err := b.registry.UpdateStatus(id, status)
	b.logUnlessUnknown("status update", id, err)
	if err != nil {
		return
	}
	b.recordStatus(id, status, map[string]any{"tech": string(ep.Tech)})
}

// recordStatus writes a status observation to history and telemetry.
func (b *Bridge) recordStatus(id string, status endpoint.Status, detail map[string]any) {
	if b.history != nil {
		if err := b.history.RecordStatus(b.ctx, id, status, detail); err != nil {
			b.logError("history status write failed", err)
		}
	}
	if b.telemetry != nil {
		tech, _, _ := strings.Cut(id, "/")
		b.telemetry.WriteEndpointStatus(id, tech, string(status))
	}
}

// logUnlessUnknown logs mutation errors except for endpoints the bridge
// never discovered. Events for undiscovered endpoints are routine, the
// PBX has channels (queues, conferences, trunks) that are not endpoints.
func (b *Bridge) logUnlessUnknown(what, id string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, endpoint.ErrNotFound) {
		b.logDebug(what+" skipped, endpoint not discovered", "endpoint", id)
		return
	}
	b.logError(what+" failed", err)
}

// publishState publishes a retained state message for an endpoint
// snapshot. Runs synchronously on the apply goroutine via the registry
// subscription, preserving per-endpoint order.
func (b *Bridge) publishState(ep endpoint.Endpoint) {
	msg := NewStateMessage(ep)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(ep.ID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}
}

// handleSessionState reacts to supervisor lifecycle transitions.
func (b *Bridge) handleSessionState(state ami.State) {
	b.logInfo("manager session state", "state", string(state))

	if b.telemetry != nil {
		b.telemetry.WriteSessionEvent(string(state), b.supervisor.Stats().ReconnectsTotal)
	}

	// Reflect session loss and recovery in health without waiting for
	// the next reporting tick.
	switch state {
	case ami.StateReady, ami.StateReconnecting, ami.StateAuthFailed:
		if err := b.health.PublishNow(); err != nil {
			b.logError("failed to publish health", err)
		}
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"endpoint_id", cmd.EndpointID,
		"command", cmd.Command)

	ep, err := b.registry.Get(cmd.EndpointID)
	if err != nil {
		b.publishAckError(cmd, ErrCodeEndpointUnknown,
			fmt.Sprintf("endpoint %s not discovered", cmd.EndpointID))
		return
	}

	client := b.supervisor.Client()
	if client == nil {
		b.publishAckError(cmd, ErrCodeNotConnected, "manager session is down")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case "hangup":
		b.executeHangup(ctx, client, cmd, ep)
	case "originate":
		b.executeOriginate(ctx, client, cmd, ep)
	default:
		b.publishAckError(cmd, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
	}
}

// executeHangup tears down the endpoint's active channel.
func (b *Bridge) executeHangup(ctx context.Context, client *ami.Client, cmd CommandMessage, ep *endpoint.Endpoint) {
	if ep.ActiveCall == nil {
		b.publishAckError(cmd, ErrCodeNoActiveCall,
			fmt.Sprintf("endpoint %s has no active call", ep.ID))
		return
	}

	action := ami.NewAction("Hangup")
	action.Set("Channel", ep.ActiveCall.Channel)
	if causeAny, ok := cmd.Parameters["cause"]; ok {
		cause, ok := causeAny.(float64)
		if !ok {
			b.publishAckError(cmd, ErrCodeInvalidParameters, "'cause' must be a number")
			return
		}
		action.Set("Cause", strconv.Itoa(int(cause)))
	}

	b.invokeAndAck(ctx, client, cmd, action)
}

// executeOriginate starts a call from the endpoint to a dialplan
// extension. The channel rings first; on answer it is connected to the
// extension.
func (b *Bridge) executeOriginate(ctx context.Context, client *ami.Client, cmd CommandMessage, ep *endpoint.Endpoint) {
	exten, ok := cmd.Parameters["exten"].(string)
	if !ok || exten == "" {
		b.publishAckError(cmd, ErrCodeInvalidParameters, "missing 'exten' parameter")
		return
	}

	dialContext := "default"
	if v, ok := cmd.Parameters["context"].(string); ok && v != "" {
		dialContext = v
	}

	action := ami.NewAction("Originate")
	action.Set("Channel", ep.ID)
	action.Set("Exten", exten)
	action.Set("Context", dialContext)
	action.Set("Priority", "1")
	action.Set("Async", "true")
	if callerID, ok := cmd.Parameters["callerid"].(string); ok && callerID != "" {
		action.Set("CallerID", callerID)
	}

	b.invokeAndAck(ctx, client, cmd, action)
}

// invokeAndAck runs one manager action and publishes exactly one
// acknowledgment reflecting its outcome.
func (b *Bridge) invokeAndAck(ctx context.Context, client *ami.Client, cmd CommandMessage, action *ami.Action) {
	resp, err := client.Invoke(ctx, action)
	switch {
	case err == nil && resp.IsSuccess():
		b.publishAck(cmd, AckAccepted)
	case err == nil:
		b.publishAckError(cmd, ErrCodeBridgeError, resp.Get("Message"))
	case errors.Is(err, ami.ErrActionTimeout) || errors.Is(err, context.DeadlineExceeded):
		b.publishAckError(cmd, ErrCodeTimeout, "manager did not respond in time")
	case errors.Is(err, ami.ErrConnectionLost) || errors.Is(err, ami.ErrNotConnected):
		b.publishAckError(cmd, ErrCodeNotConnected, "manager session is down")
	default:
		b.publishAckError(cmd, ErrCodeProtocolError, err.Error())
	}
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus) {
	ack := NewAckMessage(cmd, status)
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(cmd.EndpointID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	ack := NewAckError(cmd, code, message)
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(cmd.EndpointID), payload, 1, false); err != nil {
		b.logError("failed to publish ack error", err)
	}

	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	var resp ResponseMessage
	switch req.Action {
	case "send_action":
		resp = b.handleSendAction(ctx, req)
	case "discover", "read_all":
		resp = b.handleDiscoverRequest(ctx, req)
	default:
		resp = failedResponse(req, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}

	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}
	if err := b.mqtt.Publish(ResponseTopic(req.RequestID), respPayload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

// handleSendAction runs an arbitrary manager action and returns its
// response headers. Power-user escape hatch for actions the bridge has
// no first-class command for.
func (b *Bridge) handleSendAction(ctx context.Context, req RequestMessage) ResponseMessage {
	name, ok := req.Parameters["action"].(string)
	if !ok || name == "" {
		return failedResponse(req, ErrCodeInvalidParameters, "missing 'action' parameter")
	}

	client := b.supervisor.Client()
	if client == nil {
		return failedResponse(req, ErrCodeNotConnected, "manager session is down")
	}

	action := ami.NewAction(name)
	if params, ok := req.Parameters["params"].(map[string]any); ok {
		for key, value := range params {
			action.Set(key, fmt.Sprint(value))
		}
	}

	resp, err := client.Invoke(ctx, action)
	if err != nil {
		if errors.Is(err, ami.ErrActionTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return failedResponse(req, ErrCodeTimeout, "manager did not respond in time")
		}
		return failedResponse(req, ErrCodeProtocolError, err.Error())
	}

	data := map[string]any{"headers": resp.Map()}
	if body := resp.Body(); body != "" {
		data["output"] = body
	}
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   !strings.EqualFold(resp.Get("Response"), "Error"),
		Data:      data,
	}
}

// handleDiscoverRequest re-runs endpoint discovery on demand.
func (b *Bridge) handleDiscoverRequest(ctx context.Context, req RequestMessage) ResponseMessage {
	client := b.supervisor.Client()
	if client == nil {
		return failedResponse(req, ErrCodeNotConnected, "manager session is down")
	}

	count, err := b.discover(ctx, client)
	if err != nil {
		return failedResponse(req, ErrCodeBridgeError, err.Error())
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"endpoints": count,
			"message":   "discovery complete, state updates will follow",
		},
	}
}

func failedResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

// SetLogger sets the logger for the bridge and its components.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.publisher.SetLogger(logger)
	b.supervisor.SetLogger(logger)
	b.registry.SetLogger(logger)
	b.health.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
