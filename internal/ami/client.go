package ami

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for manager communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the TCP
	// connection and the protocol banner.
	defaultConnectTimeout = 10 * time.Second

	// defaultLoginTimeout is the maximum time to wait for the Login response.
	defaultLoginTimeout = 10 * time.Second

	// defaultActionTimeout is the per-action response wait bound.
	defaultActionTimeout = 5 * time.Second

	// defaultWriteTimeout is the timeout for socket writes.
	defaultWriteTimeout = 5 * time.Second

	// defaultPingInterval is the keepalive cadence. A failed Ping is
	// treated as a lost connection.
	defaultPingInterval = 30 * time.Second

	// maxProtocolErrors is the number of consecutive undecodable frames
	// tolerated before the connection is torn down.
	maxProtocolErrors = 5
)

// Config holds manager connection configuration.
type Config struct {
	// Address is the manager host:port, e.g. "pbx.local:5038".
	Address string

	// Username and Secret authenticate the Login action.
	Username string
	Secret   string

	// ConnectTimeout bounds the TCP dial and banner read. Default: 10s.
	ConnectTimeout time.Duration

	// LoginTimeout bounds the Login response wait. Default: 10s.
	LoginTimeout time.Duration

	// ActionTimeout bounds each action's response wait. Default: 5s.
	ActionTimeout time.Duration

	// PingInterval is the keepalive cadence. Default: 30s.
	// Negative disables keepalive.
	PingInterval time.Duration
}

// Stats holds operational statistics for a single connection.
type Stats struct {
	FramesRx       uint64
	FramesTx       uint64
	EventsRx       uint64
	ProtocolErrors uint64
	PendingActions int
	LastActivity   time.Time
	Connected      bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// pendingAction tracks an in-flight action awaiting its response.
//
// For list actions (completeEvent != "") the response frame arrives first,
// then the list events, then the terminating event; the entry completes
// only on the terminator or on an error response.
type pendingAction struct {
	completeEvent string
	response      *Frame
	events        []*Frame
	err           error
	done          chan struct{}
}

// Client is a single authenticated manager session over one TCP connection.
//
// A Client is created connected by Dial and never reconnects itself; when
// the connection drops it resolves every pending action with
// ErrConnectionLost, fires the disconnect callback exactly once, and is
// then spent. Reconnection is the Supervisor's job, which dials a fresh
// Client per episode so that ActionIDs and pending state start clean.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The event callback is invoked from the read loop; it must not block.
type Client struct {
	cfg     Config
	conn    net.Conn
	decoder *Decoder
	version string

	// Connection state
	connMu    sync.RWMutex
	connected bool

	// ActionID generation: per-connection prefix plus monotonic counter.
	idPrefix  string
	idCounter atomic.Uint64

	// Pending action table
	pendingMu sync.Mutex
	pending   map[string]*pendingAction

	// Single-writer socket discipline
	writeMu sync.Mutex

	// Callbacks
	callbackMu   sync.RWMutex
	onEvent      func(*Frame)
	onDisconnect func(error)

	// Shutdown coordination
	done         *closeOnce
	teardownOnce sync.Once
	wg           sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	framesRx       atomic.Uint64
	framesTx       atomic.Uint64
	eventsRx       atomic.Uint64
	protocolErrors atomic.Uint64
	lastActivity   atomic.Int64 // Unix timestamp
}

// Dial connects to the manager interface, reads the protocol banner,
// authenticates, and starts the read loop and keepalive.
//
// Parameters:
//   - ctx: Context for cancellation (used for connect and login)
//   - cfg: Connection configuration
//
// Returns:
//   - *Client: Authenticated session ready for use
//   - error: ErrConnectionFailed, ErrAuthRejected or ErrAuthTimeout
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}

	if ctx == nil {
		ctx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	client, err := newClient(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := client.login(ctx); err != nil {
		client.teardown(err)
		client.wg.Wait()
		return nil, err
	}

	if cfg.PingInterval > 0 {
		client.wg.Add(1)
		go client.keepaliveLoop()
	}

	return client, nil
}

// newClient reads the banner over an established connection and starts
// the read loop. Split from Dial so tests can drive a client over a pipe.
func newClient(cfg Config, conn net.Conn) (*Client, error) {
	client := &Client{
		cfg:      cfg,
		conn:     conn,
		decoder:  NewDecoder(conn),
		idPrefix: uuid.NewString()[:8],
		pending:  make(map[string]*pendingAction),
		done:     newCloseOnce(),
	}
	client.lastActivity.Store(time.Now().Unix())

	if err := conn.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	version, err := client.decoder.ReadBanner()
	if err != nil {
		return nil, fmt.Errorf("%w: banner read failed: %w", ErrConnectionFailed, err)
	}
	client.version = version

	// Liveness after login is enforced by the keepalive Ping, not by
	// read deadlines; events can legitimately be sparse.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	client.connMu.Lock()
	client.connected = true
	client.connMu.Unlock()

	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// login sends the Login action and interprets the response.
func (c *Client) login(ctx context.Context) error {
	action := NewAction("Login")
	action.Set("Username", c.cfg.Username)
	action.Set("Secret", c.cfg.Secret)

	loginCtx, cancel := context.WithTimeout(ctx, c.cfg.LoginTimeout)
	defer cancel()

	resp, err := c.Invoke(loginCtx, action)
	if err != nil {
		if errors.Is(err, ErrActionTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no login response within %s", ErrAuthTimeout, c.cfg.LoginTimeout)
		}
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Get("Message"))
	}
	return nil
}

// ProtocolVersion returns the version from the manager banner.
func (c *Client) ProtocolVersion() string {
	return c.version
}

// SetLogger sets an optional logger for connection events.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	c.logger = logger
}

// SetOnEvent sets the callback for unsolicited event frames.
// The callback runs on the read loop goroutine and must not block.
func (c *Client) SetOnEvent(callback func(*Frame)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onEvent = callback
}

// SetOnDisconnect sets the callback fired exactly once when the
// connection is lost or closed. The error describes the cause.
func (c *Client) SetOnDisconnect(callback func(error)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onDisconnect = callback
}

// IsConnected reports whether the session is live.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns a snapshot of operational statistics.
func (c *Client) Stats() Stats {
	c.pendingMu.Lock()
	pendingCount := len(c.pending)
	c.pendingMu.Unlock()

	return Stats{
		FramesRx:       c.framesRx.Load(),
		FramesTx:       c.framesTx.Load(),
		EventsRx:       c.eventsRx.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		PendingActions: pendingCount,
		LastActivity:   time.Unix(c.lastActivity.Load(), 0),
		Connected:      c.IsConnected(),
	}
}

// Invoke sends an action and waits for its response frame.
//
// A fresh ActionID is assigned, the pending entry is registered before
// the bytes hit the socket, and the wait is bounded by ctx and the
// configured ActionTimeout.
//
// Returns ErrActionTimeout, ErrConnectionLost or ErrNotConnected.
func (c *Client) Invoke(ctx context.Context, action *Action) (*Frame, error) {
	entry, err := c.send(ctx, action, "")
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, action.ActionID, entry); err != nil {
		return nil, err
	}
	return entry.response, nil
}

// InvokeList sends a list action and collects the event frames that share
// its ActionID until the terminating event named by completeEvent arrives
// (e.g. "SIPpeers" emits PeerEntry frames until PeerlistComplete).
//
// On an error response the response frame is returned with no events and
// no error; callers decide whether an unloaded module matters.
func (c *Client) InvokeList(ctx context.Context, action *Action, completeEvent string) (*Frame, []*Frame, error) {
	entry, err := c.send(ctx, action, completeEvent)
	if err != nil {
		return nil, nil, err
	}
	if err := c.wait(ctx, action.ActionID, entry); err != nil {
		return nil, nil, err
	}
	return entry.response, entry.events, nil
}

// send assigns an ActionID, registers the pending entry and writes the
// encoded action to the socket.
func (c *Client) send(ctx context.Context, action *Action, completeEvent string) (*pendingAction, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	action.ActionID = fmt.Sprintf("%s-%d", c.idPrefix, c.idCounter.Add(1))

	entry := &pendingAction{
		completeEvent: completeEvent,
		done:          make(chan struct{}),
	}
	c.pendingMu.Lock()
	c.pending[action.ActionID] = entry
	c.pendingMu.Unlock()

	if err := c.write(action.encode()); err != nil {
		c.removePending(action.ActionID)
		return nil, err
	}
	c.framesTx.Add(1)
	return entry, nil
}

// wait blocks until the pending entry completes, the context ends, or the
// action timeout elapses.
func (c *Client) wait(ctx context.Context, actionID string, entry *pendingAction) error {
	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		return entry.err
	case <-ctx.Done():
		c.removePending(actionID)
		return ctx.Err()
	case <-timer.C:
		c.removePending(actionID)
		return fmt.Errorf("%w: %q after %s", ErrActionTimeout, actionID, c.cfg.ActionTimeout)
	case <-c.done.Done():
		return ErrConnectionLost
	}
}

// write performs a single socket write under the write mutex.
func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: write failed: %w", ErrConnectionLost, err)
	}
	return nil
}

// removePending removes and returns a pending entry, or nil if it has
// already been claimed by another resolver.
func (c *Client) removePending(actionID string) *pendingAction {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	entry := c.pending[actionID]
	delete(c.pending, actionID)
	return entry
}

// readLoop decodes frames until the connection fails, routing response
// frames to their pending actions and everything else to the event
// callback.
func (c *Client) readLoop() {
	defer c.wg.Done()

	consecutiveErrors := 0
	for {
		frame, err := c.decoder.Next()
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.protocolErrors.Add(1)
				consecutiveErrors++
				c.logWarn("undecodable frame, resynchronising",
					"error", err, "consecutive", consecutiveErrors)
				if consecutiveErrors >= maxProtocolErrors {
					c.teardown(fmt.Errorf("%w: %d consecutive framing errors", ErrProtocol, consecutiveErrors))
					return
				}
				if rerr := c.decoder.Resync(); rerr != nil {
					c.teardown(fmt.Errorf("%w: %w", ErrConnectionLost, rerr))
					return
				}
				continue
			}
			select {
			case <-c.done.Done():
				// Close() already ran; the read error is the wake-up.
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				c.teardown(fmt.Errorf("%w: remote closed connection", ErrConnectionLost))
			} else {
				c.teardown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			}
			return
		}

		consecutiveErrors = 0
		c.framesRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.route(frame)
	}
}

// route delivers a decoded frame to its pending action or to the event
// callback.
func (c *Client) route(frame *Frame) {
	actionID := frame.ActionID()
	if actionID != "" && strings.HasPrefix(actionID, c.idPrefix) {
		if c.routePending(actionID, frame) {
			return
		}
	}
	if frame.Event() == "" {
		// A response with no pending entry: late arrival after timeout.
		c.logDebug("orphan response frame", "action_id", actionID)
		return
	}
	c.eventsRx.Add(1)
	c.emitEvent(frame)
}

// routePending feeds a frame into its pending entry. Returns false when
// no entry holds the ActionID, in which case the frame is treated as an
// ordinary event (list events also reach the event callback path only
// through their pending entry, never twice).
func (c *Client) routePending(actionID string, frame *Frame) bool {
	c.pendingMu.Lock()
	entry, ok := c.pending[actionID]
	if !ok {
		c.pendingMu.Unlock()
		return false
	}

	complete := false
	switch {
	case frame.IsResponse():
		entry.response = frame
		// Non-list actions complete on the response; list actions
		// complete on the terminating event unless the action failed.
		complete = entry.completeEvent == "" || !frame.IsSuccess()
	case entry.completeEvent != "" && strings.EqualFold(frame.Event(), entry.completeEvent):
		complete = true
	default:
		entry.events = append(entry.events, frame)
	}

	if complete {
		delete(c.pending, actionID)
	}
	c.pendingMu.Unlock()

	if complete {
		close(entry.done)
	}
	return true
}

// emitEvent invokes the event callback, recovering panics so a bad
// handler cannot kill the read loop.
func (c *Client) emitEvent(frame *Frame) {
	c.callbackMu.RLock()
	callback := c.onEvent
	c.callbackMu.RUnlock()
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logError("event callback panicked", "panic", r, "event", frame.Event())
		}
	}()
	callback(frame)
}

// keepaliveLoop sends periodic Ping actions. A failed ping means the
// connection is dead even if the socket has not erred yet.
func (c *Client) keepaliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ActionTimeout)
			_, err := c.Invoke(ctx, NewAction("Ping"))
			cancel()
			if err != nil && !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrClosed) {
				c.logWarn("keepalive ping failed", "error", err)
				c.teardown(fmt.Errorf("%w: keepalive failed: %w", ErrConnectionLost, err))
				return
			}
		}
	}
}

// teardown shuts the connection down exactly once: it marks the client
// disconnected, closes the socket, resolves every pending action with
// ErrConnectionLost, and fires the disconnect callback with the cause.
func (c *Client) teardown(cause error) {
	c.teardownOnce.Do(func() {
		c.connMu.Lock()
		c.connected = false
		c.connMu.Unlock()

		c.done.Close()
		c.conn.Close()

		c.pendingMu.Lock()
		orphans := c.pending
		c.pending = make(map[string]*pendingAction)
		c.pendingMu.Unlock()

		for _, entry := range orphans {
			entry.err = ErrConnectionLost
			close(entry.done)
		}

		c.logInfo("session ended", "cause", cause, "pending_resolved", len(orphans))

		c.callbackMu.RLock()
		callback := c.onDisconnect
		c.callbackMu.RUnlock()
		if callback != nil {
			callback(cause)
		}
	})
}

// Close logs off and tears the session down. Idempotent.
func (c *Client) Close() error {
	if c.IsConnected() {
		// Best effort; the manager drops the TCP session on Logoff.
		_ = c.write(NewAction("Logoff").encode())
	}
	c.teardown(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
