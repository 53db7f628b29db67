package endpoint

import (
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Subscriber receives a snapshot after every endpoint mutation.
// Snapshots are deep copies and arrive in mutation order as long as all
// mutations come from a single goroutine, which is the bridge's apply
// loop discipline.
type Subscriber func(Endpoint)

// Stats holds registry statistics.
type Stats struct {
	Endpoints    int
	ByStatus     map[Status]int
	LastMutation time.Time
}

// Registry holds the consumer-visible endpoint set in memory.
//
// Reads return deep-copied snapshots and are safe from any goroutine.
// Mutations are expected to come only from the bridge's apply loop;
// discovery after a reconnect upserts fresh rows over the existing set,
// so stale status is corrected rather than retained.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	subMu       sync.RWMutex
	subscribers []Subscriber

	logger   Logger
	loggerMu sync.RWMutex

	lastMutation time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	r.logger = logger
}

func (r *Registry) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Subscribe registers a callback invoked with a snapshot after every
// mutation. Must be called before mutations begin.
func (r *Registry) Subscribe(fn Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Get returns a deep copy of the endpoint with the given ID.
func (r *Registry) Get(id string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ep.DeepCopy(), nil
}

// List returns deep copies of all endpoints, ordered by ID.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of known endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// IDsByExtension returns the IDs of all endpoints registered under an
// extension, across technologies. ExtensionStatus events carry only the
// extension, not the channel technology.
func (r *Registry) IDsByExtension(extension string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, ep := range r.endpoints {
		if ep.Extension == extension {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byStatus := make(map[Status]int)
	for _, ep := range r.endpoints {
		byStatus[ep.Status]++
	}
	return Stats{
		Endpoints:    len(r.endpoints),
		ByStatus:     byStatus,
		LastMutation: r.lastMutation,
	}
}

// Upsert registers an endpoint or refreshes an existing one in place.
//
// Used by discovery: a fresh status overwrites whatever was cached. Call
// attributes on a known endpoint survive only while the fresh status says
// a call can still exist; a refresh to Idle or Unavailable means any call
// witnessed before the outage is gone, so its channel and connected-line
// attributes are cleared rather than left pointing at a dead channel.
func (r *Registry) Upsert(ep *Endpoint) error {
	if ep.ID == "" {
		ep.ID = ID(ep.Tech, ep.Extension)
	}
	if err := ep.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	existing, known := r.endpoints[ep.ID]
	if known {
		existing.Status = ep.Status
		if ep.Status == StatusIdle || ep.Status == StatusUnavailable {
			existing.ActiveCall = nil
			existing.ConnectedLineName = ""
			existing.ConnectedLineNum = ""
		}
		existing.UpdatedAt = time.Now()
		ep = existing
	} else {
		ep = ep.DeepCopy()
		ep.UpdatedAt = time.Now()
		r.endpoints[ep.ID] = ep
	}
	r.lastMutation = time.Now()
	snapshot := *ep.DeepCopy()
	r.mu.Unlock()

	if !known {
		r.getLogger().Info("endpoint registered", "id", snapshot.ID, "status", snapshot.Status)
	}
	r.notify(snapshot)
	return nil
}

// UpdateStatus sets the logical status of an endpoint.
func (r *Registry) UpdateStatus(id string, status Status) (*Endpoint, error) {
	return r.mutate(id, func(ep *Endpoint) {
		ep.Status = status
	})
}

// UpdateConnectedLine sets the connected-line attributes, leaving status
// untouched.
func (r *Registry) UpdateConnectedLine(id, name, number string) (*Endpoint, error) {
	return r.mutate(id, func(ep *Endpoint) {
		ep.ConnectedLineName = name
		ep.ConnectedLineNum = number
	})
}

// UpdateDTMF records the most recent digit on an endpoint's channel.
func (r *Registry) UpdateDTMF(id string, dtmf DTMF) (*Endpoint, error) {
	return r.mutate(id, func(ep *Endpoint) {
		d := dtmf
		ep.LastDTMF = &d
	})
}

// UpdateCall records a new active channel and its caller attributes.
func (r *Registry) UpdateCall(id string, call Call) (*Endpoint, error) {
	return r.mutate(id, func(ep *Endpoint) {
		c := call
		ep.ActiveCall = &c
	})
}

// ClearCall drops the active channel on hangup and records the cause.
func (r *Registry) ClearCall(id string, cause int) (*Endpoint, error) {
	return r.mutate(id, func(ep *Endpoint) {
		ep.ActiveCall = nil
		ep.ConnectedLineName = ""
		ep.ConnectedLineNum = ""
		ep.LastHangupCause = cause
	})
}

// mutate applies fn to the endpoint under the write lock and notifies
// subscribers with the resulting snapshot.
func (r *Registry) mutate(id string, fn func(*Endpoint)) (*Endpoint, error) {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	fn(ep)
	ep.UpdatedAt = time.Now()
	r.lastMutation = ep.UpdatedAt
	snapshot := ep.DeepCopy()
	r.mu.Unlock()

	r.notify(*snapshot)
	return snapshot, nil
}

// notify fans a snapshot out to subscribers, recovering panics so one
// bad subscriber cannot take the apply loop down.
func (r *Registry) notify(snapshot Endpoint) {
	r.subMu.RLock()
	subs := r.subscribers
	r.subMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.getLogger().Error("endpoint subscriber panicked",
						"panic", rec, "endpoint", snapshot.ID)
				}
			}()
			fn(snapshot)
		}()
	}
}
