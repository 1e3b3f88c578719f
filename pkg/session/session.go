// Package session implements the Session Registry (§4.6): long-lived AI
// conversation handles, reused across checks either by clone (independent
// deep copy) or append (shared handle), with sanitisation of validation-
// retry message pairs and a trailing JSON block before any reuse.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probelabs/visor/pkg/model"
)

// Message is one turn of a conversation history.
type Message struct {
	Role      string // "user" | "assistant"
	Content   string
	Timestamp time.Time
}

// Session is the stored object the registry keys by session id: an
// opaque conversation handle plus its message history.
type Session struct {
	ID        string
	CheckName string
	Messages  []Message
	CreatedAt time.Time
}

// Registry is the global, mutex-guarded Session Registry (§4.6, §5
// "Session Registry: global, mutex-guarded; clone creates a deep copy
// under lock so callers never observe partial histories").
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a brand-new session produced by an AI provider
// (CheckResult.sessionId), generating an id if the provider didn't supply
// one.
func (r *Registry) Create(id, checkName string, messages []Message) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:        id,
		CheckName: checkName,
		Messages:  append([]Message(nil), messages...),
		CreatedAt: time.Now(),
	}
	r.sessions[id] = s
	return s
}

// Append adds a message to an existing session's shared history under
// lock, observable by every holder of that session id.
func (r *Registry) Append(id string, msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Messages = append(s.Messages, msg)
	return true
}

// Resolve reuses session id per mode (§4.6): clone deep-copies a
// sanitised history under a freshly generated id; append hands back the
// same id after sanitising the registry's copy in place once. Dispatch
// must fail with model.RuleSessionUnresolved (model.ErrSessionUnresolved)
// when id isn't present.
func (r *Registry) Resolve(id string, mode model.SessionMode) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, model.NewEngineError("session.Resolve", model.RuleSessionUnresolved, model.ErrSessionUnresolved)
	}

	sanitized := Sanitize(s.Messages)

	switch mode {
	case model.SessionModeAppend:
		s.Messages = sanitized
		return s, nil
	default: // clone, and the empty default
		clone := &Session{
			ID:        uuid.NewString(),
			CheckName: s.CheckName,
			Messages:  append([]Message(nil), sanitized...),
			CreatedAt: time.Now(),
		}
		r.sessions[clone.ID] = clone
		return clone, nil
	}
}

// Get returns the session for id without mutating it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Release removes a session once its check and all dependents have
// completed (§3 "Lifecycles").
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
