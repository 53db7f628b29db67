package asterisk

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
)

// UpdateKind classifies a state update derived from a manager event.
type UpdateKind int

// Update kinds.
const (
	// UpdateUpsert registers or refreshes an endpoint (discovery).
	UpdateUpsert UpdateKind = iota

	// UpdateStatus sets the logical status of one endpoint.
	UpdateStatus

	// UpdateStatusByExtension sets the status of every endpoint sharing
	// an extension (ExtensionStatus events carry no technology).
	UpdateStatusByExtension

	// UpdateConnectedLine sets connected-line attributes only.
	UpdateConnectedLine

	// UpdateDTMF records a DTMF digit.
	UpdateDTMF

	// UpdateCallStart records a new active channel.
	UpdateCallStart

	// UpdateCallEnd clears the active channel on hangup.
	UpdateCallEnd
)

// Update is one endpoint state change on its way from the protocol
// domain into the apply domain.
type Update struct {
	Kind       UpdateKind
	EndpointID string

	// Extension is set for UpdateStatusByExtension.
	Extension string

	// Endpoint is set for UpdateUpsert.
	Endpoint *endpoint.Endpoint

	Status endpoint.Status

	ConnectedName string
	ConnectedNum  string

	DTMF endpoint.DTMF

	Call        endpoint.Call
	HangupCause int
}

// PublisherStats holds queue statistics.
type PublisherStats struct {
	Published uint64
	Applied   uint64
	Dropped   uint64 // Updates received after Stop
	Depth     int
	HighWater int
}

// updateNode is one entry in the publisher's linked FIFO.
type updateNode struct {
	update Update
	next   *updateNode
}

// Publisher carries updates from the protocol goroutines into a single
// apply goroutine that owns all registry mutations and downstream
// fan-out.
//
// Publish never blocks and never drops: the queue is an unbounded linked
// FIFO guarded by a mutex and condition variable. Because exactly one
// goroutine applies updates, per-endpoint ordering follows arrival order.
// Depth is tracked so a stalled consumer shows up in stats and logs long
// before memory becomes a problem.
type Publisher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	head   *updateNode
	tail   *updateNode
	depth  int
	closed bool

	apply func(Update)

	wg sync.WaitGroup

	published atomic.Uint64
	applied   atomic.Uint64
	dropped   atomic.Uint64
	highWater int // guarded by mu

	logger   Logger
	loggerMu sync.RWMutex
}

// depthWarnStep is the granularity of queue growth warnings.
const depthWarnStep = 1000

// NewPublisher creates a publisher that hands each update to apply, in
// order, on a dedicated goroutine. Call Start to begin draining.
func NewPublisher(apply func(Update)) *Publisher {
	p := &Publisher{apply: apply}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetLogger sets an optional logger.
func (p *Publisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	defer p.loggerMu.Unlock()
	p.logger = logger
}

// Start launches the apply goroutine.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.applyLoop()
}

// Publish enqueues an update. Never blocks; safe from any goroutine,
// including the protocol read loop.
func (p *Publisher) Publish(update Update) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dropped.Add(1)
		return
	}

	node := &updateNode{update: update}
	if p.tail == nil {
		p.head = node
	} else {
		p.tail.next = node
	}
	p.tail = node
	p.depth++

	warn := false
	if p.depth > p.highWater {
		p.highWater = p.depth
		warn = p.highWater%depthWarnStep == 0
	}
	depth := p.depth
	p.mu.Unlock()

	p.published.Add(1)
	p.cond.Signal()

	if warn {
		p.logWarn("publisher queue growing", "depth", depth)
	}
}

// Stop closes the queue and waits until every already-published update
// has been applied.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cond.Signal()
	p.wg.Wait()
}

// Stats returns a snapshot of queue statistics.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	depth := p.depth
	highWater := p.highWater
	p.mu.Unlock()

	return PublisherStats{
		Published: p.published.Load(),
		Applied:   p.applied.Load(),
		Dropped:   p.dropped.Load(),
		Depth:     depth,
		HighWater: highWater,
	}
}

// applyLoop drains the queue until it is closed and empty.
func (p *Publisher) applyLoop() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.head == nil && !p.closed {
			p.cond.Wait()
		}
		if p.head == nil {
			// Closed and drained.
			p.mu.Unlock()
			return
		}
		node := p.head
		p.head = node.next
		if p.head == nil {
			p.tail = nil
		}
		p.depth--
		p.mu.Unlock()

		p.applyOne(node.update)
	}
}

// applyOne invokes the apply function, recovering panics so one bad
// update cannot stop the queue.
func (p *Publisher) applyOne(update Update) {
	defer func() {
		if r := recover(); r != nil {
			p.logError("apply panicked", "panic", r, "endpoint", update.EndpointID)
		}
	}()
	defer p.applied.Add(1)
	p.apply(update)
}

func (p *Publisher) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

func (p *Publisher) logWarn(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (p *Publisher) logError(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
