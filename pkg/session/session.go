package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substratehq/substrate/pkg/types"
)

// Subscriber is a channel that receives session events. The channel is
// closed when the session reaches its terminal state.
type Subscriber chan types.Event

// Session buffers the events of one execute call and fans them out to any
// number of subscribers. New subscribers receive the backlog first, in
// order, then live events. After the terminator the session is terminal:
// late subscribers get the full transcript and an immediate close.
type Session struct {
	ID        string
	KernelID  string
	Code      string
	CreatedAt time.Time

	mu          sync.Mutex
	outputs     []types.Event
	subscribers map[Subscriber]bool
	done        bool
	doneCh      chan struct{}
}

// New creates a session bound to one execute request
func New(kernelID, code string) *Session {
	return &Session{
		ID:          uuid.New().String(),
		KernelID:    kernelID,
		Code:        code,
		CreatedAt:   time.Now(),
		subscribers: make(map[Subscriber]bool),
		doneCh:      make(chan struct{}),
	}
}

// Publish appends an event to the buffer and delivers it to all
// subscribers. A subscriber whose buffer is full is disconnected rather
// than stalling the producer. Publishing the terminator closes the session.
func (s *Session) Publish(ev types.Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.outputs = append(s.outputs, ev)
	terminal := ev.IsTerminator()
	if terminal {
		s.done = true
	}

	for sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
			// Slow subscriber, drop it
			delete(s.subscribers, sub)
			close(sub)
		}
	}
	if terminal {
		for sub := range s.subscribers {
			delete(s.subscribers, sub)
			close(sub)
		}
		close(s.doneCh)
	}
	s.mu.Unlock()
}

// Subscribe returns a channel that yields the backlog followed by live
// events. On a terminal session the channel carries the full transcript and
// is closed immediately after.
func (s *Session) Subscribe() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Backlog plus headroom for live events
	sub := make(Subscriber, len(s.outputs)+64)
	for _, ev := range s.outputs {
		sub <- ev
	}
	if s.done {
		close(sub)
		return sub
	}
	s.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber. Safe to call more than once and after
// the session closed.
func (s *Session) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[sub] {
		delete(s.subscribers, sub)
		close(sub)
	}
}

// Done reports whether the session reached its terminal event
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the session is terminal or the deadline channel fires.
// Returns false on deadline.
func (s *Session) Wait(cancel <-chan struct{}) bool {
	select {
	case <-s.doneCh:
		return true
	case <-cancel:
		return false
	}
}

// Outputs returns a copy of the buffered events
func (s *Session) Outputs() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.outputs))
	copy(out, s.outputs)
	return out
}

// Close force-terminates the session, dropping all listeners. Used when the
// owning kernel is destroyed or restarted. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		close(sub)
	}
	close(s.doneCh)
}

// Registry tracks the sessions of all kernels
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byKernel map[string]map[string]*Session
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byKernel: make(map[string]map[string]*Session),
	}
}

// Add registers a session
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	m, ok := r.byKernel[s.KernelID]
	if !ok {
		m = make(map[string]*Session)
		r.byKernel[s.KernelID] = m
	}
	m[s.ID] = s
}

// Get returns a session by id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a single session
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if m, ok := r.byKernel[s.KernelID]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(r.byKernel, s.KernelID)
		}
	}
}

// ClearKernel closes and removes every session of a kernel. Called on
// kernel destroy and restart so former subscribers see the close signal.
func (r *Registry) ClearKernel(kernelID string) {
	r.mu.Lock()
	sessions := r.byKernel[kernelID]
	delete(r.byKernel, kernelID)
	for id := range sessions {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
