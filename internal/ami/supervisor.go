package ami

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
)

// State is the supervisor's connection lifecycle state.
type State string

// Supervisor lifecycle states.
const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateAuthFailed     State = "auth_failed"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
)

// fsm event names.
const (
	eventConnect      = "connect"
	eventAuthenticate = "authenticate"
	eventEstablished  = "established"
	eventAuthFailed   = "auth_failed"
	eventLost         = "lost"
	eventAbort        = "abort"
	eventClose        = "close"
)

// Default reconnect backoff bounds.
const (
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
)

// SupervisorConfig holds reconnect supervision configuration.
type SupervisorConfig struct {
	// Client is the per-connection configuration used for every dial.
	Client Config

	// InitialBackoff is the first reconnect delay. Default: 2s.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default: 2 minutes.
	MaxBackoff time.Duration
}

// SupervisorStats holds supervision statistics.
type SupervisorStats struct {
	State           State
	ReconnectsTotal uint64
	Session         Stats // zero value while disconnected
}

// lostSignal identifies which session reported a disconnect, so that a
// late signal from an already-replaced session cannot tear down its
// successor.
type lostSignal struct {
	client *Client
	err    error
}

// Supervisor owns the session lifecycle: it dials fresh Clients, runs the
// resubscribe hook on every successful connect, and reconnects with
// exponential backoff when the session drops.
//
// The first connect happens synchronously in Start; its failure is
// returned to the caller. After that the supervisor keeps trying forever
// until Close, which is terminal.
//
// An authentication rejection during reconnection is reported as
// StateAuthFailed (a persistent failure, unlike transient loss) while
// retries continue at the backoff ceiling, so a corrected secret on the
// PBX side heals the bridge without a restart.
type Supervisor struct {
	cfg SupervisorConfig

	machine *fsm.FSM

	clientMu sync.RWMutex
	client   *Client

	lostCh chan lostSignal

	// Callbacks
	callbackMu  sync.RWMutex
	onEvent     func(*Frame)
	onState     func(State)
	resubscribe func(context.Context, *Client) error

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	reconnectsTotal atomic.Uint64
}

// NewSupervisor creates a supervisor. Callbacks must be set before Start.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	s := &Supervisor{
		cfg:    cfg,
		lostCh: make(chan lostSignal, 4),
		done:   newCloseOnce(),
	}

	s.machine = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected), string(StateReconnecting)}, Dst: string(StateConnecting)},
			{Name: eventAuthenticate, Src: []string{string(StateConnecting)}, Dst: string(StateAuthenticating)},
			{Name: eventEstablished, Src: []string{string(StateAuthenticating)}, Dst: string(StateReady)},
			{Name: eventAuthFailed, Src: []string{string(StateAuthenticating)}, Dst: string(StateAuthFailed)},
			{Name: eventLost, Src: []string{string(StateConnecting), string(StateAuthenticating), string(StateReady), string(StateAuthFailed)}, Dst: string(StateReconnecting)},
			{Name: eventAbort, Src: []string{string(StateConnecting), string(StateAuthenticating), string(StateAuthFailed)}, Dst: string(StateDisconnected)},
			{Name: eventClose, Src: []string{
				string(StateDisconnected), string(StateConnecting), string(StateAuthenticating),
				string(StateReady), string(StateAuthFailed), string(StateReconnecting),
			}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.notifyState(State(e.Dst))
			},
		},
	)

	return s
}

// SetLogger sets an optional logger, also handed to each dialed client.
func (s *Supervisor) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	s.logger = logger
}

// SetOnEvent sets the event callback forwarded to every session.
func (s *Supervisor) SetOnEvent(callback func(*Frame)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onEvent = callback
}

// SetOnState sets the callback fired on every lifecycle state change.
func (s *Supervisor) SetOnState(callback func(State)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onState = callback
}

// SetResubscribe sets the hook run on every successful connect before the
// supervisor announces ready. The bridge uses it to re-discover endpoints
// and re-query their status; a hook error fails the connect attempt.
func (s *Supervisor) SetResubscribe(hook func(context.Context, *Client) error) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.resubscribe = hook
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.machine.Current())
}

// Client returns the current session, or nil when disconnected.
func (s *Supervisor) Client() *Client {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.client
}

// Stats returns a snapshot of supervision statistics.
func (s *Supervisor) Stats() SupervisorStats {
	stats := SupervisorStats{
		State:           s.State(),
		ReconnectsTotal: s.reconnectsTotal.Load(),
	}
	if client := s.Client(); client != nil {
		stats.Session = client.Stats()
	}
	return stats
}

// Start performs the first connect synchronously and, on success, starts
// the monitor goroutine that reconnects on every subsequent loss.
//
// A first-connect failure is returned to the caller; the supervisor is
// then still usable (Start may be called again) but schedules nothing.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	if err := s.connectCycle(ctx); err != nil {
		// Nothing is scheduled after a failed first connect, so
		// reconnecting would be a lie. Back to disconnected, from
		// where a later Start can try again.
		s.fsmEvent(eventAbort)
		return err
	}

	s.wg.Add(1)
	go s.monitorLoop(ctx)
	return nil
}

// connectCycle dials, wires callbacks, runs the resubscribe hook and
// publishes the new session. On any failure the session is discarded.
func (s *Supervisor) connectCycle(ctx context.Context) error {
	s.fsmEvent(eventConnect)

	client, err := Dial(ctx, s.cfg.Client)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			s.fsmEvent(eventAuthenticate)
			s.fsmEvent(eventAuthFailed)
		}
		return err
	}
	s.fsmEvent(eventAuthenticate)

	client.SetLogger(s.getLogger())

	s.callbackMu.RLock()
	onEvent := s.onEvent
	resubscribe := s.resubscribe
	s.callbackMu.RUnlock()

	if onEvent != nil {
		client.SetOnEvent(onEvent)
	}
	client.SetOnDisconnect(func(cause error) {
		select {
		case s.lostCh <- lostSignal{client: client, err: cause}:
		default:
		}
	})

	if resubscribe != nil {
		if err := resubscribe(ctx, client); err != nil {
			client.Close()
			return fmt.Errorf("resubscribe failed: %w", err)
		}
	}

	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()

	s.fsmEvent(eventEstablished)
	s.logInfo("session established",
		"address", s.cfg.Client.Address,
		"protocol_version", client.ProtocolVersion())
	return nil
}

// monitorLoop waits for session loss and drives reconnection until Close.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done.Done():
			return
		case sig := <-s.lostCh:
			if sig.client != s.Client() {
				// A replaced session reporting its own shutdown.
				continue
			}
			s.clientMu.Lock()
			s.client = nil
			s.clientMu.Unlock()

			s.fsmEvent(eventLost)
			s.logWarn("session lost", "cause", sig.err)

			if !s.reconnectLoop(ctx) {
				return
			}
		}
	}
}

// reconnectLoop retries the connect cycle with exponential backoff until
// it succeeds or the supervisor closes. Returns false when closed.
func (s *Supervisor) reconnectLoop(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = s.cfg.MaxBackoff
	policy.MaxElapsedTime = 0 // retry forever

	attempt := 0
	for {
		delay := policy.NextBackOff()
		attempt++
		s.logInfo("reconnecting", "attempt", attempt, "delay", delay.String())

		select {
		case <-s.done.Done():
			return false
		case <-time.After(delay):
		}

		err := s.connectCycle(ctx)
		if err == nil {
			s.reconnectsTotal.Add(1)
			// Drop stale loss signals queued while we were down.
			s.drainStaleSignals()
			return true
		}

		s.logWarn("reconnect attempt failed", "attempt", attempt, "error", err)
		s.fsmEvent(eventLost)
	}
}

// drainStaleSignals discards queued loss signals from dead sessions.
func (s *Supervisor) drainStaleSignals() {
	current := s.Client()
	for {
		select {
		case sig := <-s.lostCh:
			if sig.client == current {
				// Put it back; the new session already died.
				s.lostCh <- sig
				return
			}
		default:
			return
		}
	}
}

// Close tears down the current session and stops all reconnection.
// Terminal and idempotent.
func (s *Supervisor) Close() error {
	s.done.Close()
	s.fsmEvent(eventClose)

	if client := s.Client(); client != nil {
		client.Close()
	}
	s.wg.Wait()

	s.clientMu.Lock()
	s.client = nil
	s.clientMu.Unlock()
	return nil
}

// fsmEvent fires a state machine event, ignoring transitions that are
// invalid for the current state (e.g. a second lost during reconnecting).
func (s *Supervisor) fsmEvent(name string) {
	if err := s.machine.Event(context.Background(), name); err != nil {
		var invalid fsm.InvalidEventError
		if !errors.As(err, &invalid) {
			s.logDebug("state machine event rejected", "event", name, "error", err)
		}
	}
}

// notifyState fires the state callback, recovering panics.
func (s *Supervisor) notifyState(state State) {
	s.callbackMu.RLock()
	callback := s.onState
	s.callbackMu.RUnlock()
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logError("state callback panicked", "panic", r, "state", state)
		}
	}()
	callback(state)
}

func (s *Supervisor) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Supervisor) logDebug(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (s *Supervisor) logInfo(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (s *Supervisor) logWarn(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (s *Supervisor) logError(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
