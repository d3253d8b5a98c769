// Package registry tracks the calls this process is handling.
//
// An entry exists from the moment a call is placed until the call is known
// to be over; Remove is the single authoritative signal that a call is
// closed. Each entry holds the call's SessionContext and at most one live
// session.
package registry

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentplexus/callbridge"
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("call already registered")
	ErrNotRegistered     = errors.New("call not registered")
	ErrSessionExists     = errors.New("call already has a session")
)

// Session is the part of a voice agent session the registry needs to shut
// a call down from outside the session.
type Session interface {
	MarkInactive()
	Cleanup()
}

type entry struct {
	context callbridge.SessionContext
	session Session
}

// Registry maps call SIDs to their context and session. It is safe for
// concurrent use by call placement, status callbacks and sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Register records the context for a call before its media stream connects.
func (r *Registry) Register(callID string, ctx callbridge.SessionContext) error {
	if callID == "" {
		return errors.New("call id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[callID]; ok {
		return ErrAlreadyRegistered
	}
	r.entries[callID] = &entry{context: ctx.Clone()}
	r.logger.Info("call registered",
		zap.String("call_sid", callID),
		zap.String("ticket_id", ctx.TicketID),
	)
	return nil
}

// Context returns a copy of the context registered for a call.
func (r *Registry) Context(callID string) (callbridge.SessionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[callID]
	if !ok {
		return callbridge.SessionContext{}, false
	}
	return e.context.Clone(), true
}

// Attach binds a session to a registered call.
func (r *Registry) Attach(callID string, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[callID]
	if !ok {
		return ErrNotRegistered
	}
	if e.session != nil {
		return ErrSessionExists
	}
	e.session = s
	return nil
}

// Session returns the session bound to a call, if any.
func (r *Registry) Session(callID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[callID]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Remove deletes a call. It reports true only for the call that actually
// removed the entry.
func (r *Registry) Remove(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[callID]; !ok {
		return false
	}
	delete(r.entries, callID)
	r.logger.Info("call removed", zap.String("call_sid", callID))
	return true
}

// Len returns the number of registered calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CallIDs returns the registered call SIDs, sorted.
func (r *Registry) CallIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
