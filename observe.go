package lwm2m

import (
	"context"
	"sync"
	"time"
)

// Observation is one active CoAP Observe relationship, per spec.md §4.6.
// It mirrors the teacher's Observations bookkeeping: a token plus the
// last time a notification went out, keyed by (scope, path). Scope is the
// identity of whoever is watching: a device name on the server-side
// engine, a short server id (as a string) on the client-side engine.
type Observation struct {
	Scope      string
	Path       Path
	Token      []byte
	LastNotify time.Time
}

type observerKey struct {
	scope string
	path  string
}

// NotifyTransport sends one notification body to the observer identified
// by scope, per spec.md §4.6.
type NotifyTransport interface {
	SendNotify(ctx context.Context, scope string, obs *Observation, resp Response) error
}

// ReadFunc resolves the current value at path for a notify body. The
// server-side engine backs this with a ManagementDispatcher.Read over the
// wire; the client-side engine backs it with a direct Registry read.
type ReadFunc func(scope string, path Path) Response

// ObserveEngine implements the Observe/Notify bookkeeping of spec.md §4.6:
// GET with the Observe option registers an observer; later resource
// changes trigger a re-read and notify; a notify that fails or times out
// cancels the observation. The same engine type serves both the server
// side (observing a remote client's resources) and the client side
// (observing its own resources on behalf of a remote server), with the
// Read/Transport fields wired differently.
type ObserveEngine struct {
	mu           sync.Mutex
	observations map[observerKey]*Observation

	Read      ReadFunc
	Transport NotifyTransport
	Timeout   time.Duration
	Log       Logger
	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
	// OnCancel, if set, is called whenever an observation is removed, so
	// a wire-level transport (e.g. CoAPAdapter) can release the exchange
	// it had stashed for notifying that observer.
	OnCancel func(scope, path string)
}

// NewObserveEngine makes an engine with no active observations.
func NewObserveEngine() *ObserveEngine {
	return &ObserveEngine{
		observations: make(map[observerKey]*Observation),
		Timeout:      defaultManagementTimeout,
		Now:          time.Now,
	}
}

func (e *ObserveEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Add registers an observer after a successful initial GET with the
// Observe option, per spec.md §4.6.
func (e *ObserveEngine) Add(scope string, path Path, token []byte) *Observation {
	obs := &Observation{Scope: scope, Path: path, Token: token, LastNotify: e.now()}
	e.mu.Lock()
	e.observations[observerKey{scope, path.String()}] = obs
	e.mu.Unlock()
	return obs
}

// Remove cancels one observation, e.g. on a subsequent GET without the
// Observe option or on deregistration, per spec.md §4.6.
func (e *ObserveEngine) Remove(scope string, path Path) {
	e.mu.Lock()
	delete(e.observations, observerKey{scope, path.String()})
	e.mu.Unlock()
	if e.OnCancel != nil {
		e.OnCancel(scope, path.String())
	}
}

// RemoveAllForScope cancels every observation held for one scope, used
// when a client deregisters or times out per spec.md §4.2/§4.6.
func (e *ObserveEngine) RemoveAllForScope(scope string) {
	e.mu.Lock()
	var removed []string
	for k := range e.observations {
		if k.scope == scope {
			removed = append(removed, k.path)
			delete(e.observations, k)
		}
	}
	e.mu.Unlock()
	if e.OnCancel != nil {
		for _, p := range removed {
			e.OnCancel(scope, p)
		}
	}
}

// Get returns the observation for an exact (scope, path), if any.
func (e *ObserveEngine) Get(scope string, path Path) (*Observation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obs, ok := e.observations[observerKey{scope, path.String()}]
	return obs, ok
}

// pathsRelated reports whether a change at one of the paths should be
// visible to an observer registered at the other: either one is an
// ancestor (or exact match) of the other, per spec.md §4.5 — an observer
// on a whole Object Instance sees a single Resource write, and an
// observer on a single Resource sees a whole-Instance write that touches it.
func pathsRelated(a, b Path) bool {
	return a.IsPrefixOf(b) || b.IsPrefixOf(a)
}

// matching returns every observation for a scope related to changedPath,
// per spec.md §4.5.
func (e *ObserveEngine) matching(scope string, changedPath Path) []*Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Observation
	for k, obs := range e.observations {
		if k.scope != scope {
			continue
		}
		if pathsRelated(obs.Path, changedPath) {
			out = append(out, obs)
		}
	}
	return out
}

// scopes returns the distinct scopes with at least one active observation.
func (e *ObserveEngine) scopes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for k := range e.observations {
		if !seen[k.scope] {
			seen[k.scope] = true
			out = append(out, k.scope)
		}
	}
	return out
}

// notifyOne re-reads and sends a single notification, cancelling the
// observation on failure per spec.md §4.6.
func (e *ObserveEngine) notifyOne(scope string, obs *Observation) {
	resp := e.Read(scope, obs.Path)
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	err := e.Transport.SendNotify(ctx, scope, obs, resp)
	cancel()
	if err != nil {
		logf(e.Log, "notify to %s on %s failed, cancelling observation: %v", scope, obs.Path.String(), err)
		e.Remove(scope, obs.Path)
		return
	}
	e.mu.Lock()
	obs.LastNotify = e.now()
	e.mu.Unlock()
}

// OnResourceChanged re-reads and notifies every observer within scope
// affected by a change at changedPath, per spec.md §4.6.
func (e *ObserveEngine) OnResourceChanged(scope string, changedPath Path) {
	for _, obs := range e.matching(scope, changedPath) {
		e.notifyOne(scope, obs)
	}
}

// NotifyChanged fans a batch of locally modified paths out to every
// observer (across all scopes) related to any of them, per spec.md §4.6.
// Each affected observation is notified at most once even if several
// changed paths fall under it.
func (e *ObserveEngine) NotifyChanged(paths []Path) {
	seen := make(map[observerKey]bool)
	for _, scope := range e.scopes() {
		for _, p := range paths {
			for _, obs := range e.matching(scope, p) {
				key := observerKey{scope, obs.Path.String()}
				if seen[key] {
					continue
				}
				seen[key] = true
				e.notifyOne(scope, obs)
			}
		}
	}
}
