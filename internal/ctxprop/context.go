// Package ctxprop implements the coordination fabric's scoped context
// propagator: hierarchical contexts with shallow-copy inheritance and a
// task-local "current" stack, per spec §4.5 and the design note in §9
// (explicit Context values, with an auxiliary stack for convenience call
// sites that restores on scope exit even under error).
//
// Grounded in internal/domain/regime/orchestrator.go's parent/child
// state threading (a detector's state is inherited from, and can
// override, its parent regime state).
package ctxprop

import (
	"sync"
	"time"

	"github.com/sawpanic/agentfabric/internal/clockid"
)

// Scope is the lifetime/visibility tier of a Context.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSession Scope = "session"
	ScopeRequest Scope = "request"
	ScopeAgent   Scope = "agent"
	ScopeTask    Scope = "task"
)

// GlobalContextID is the indestructible process-wide root context's id.
const GlobalContextID = "global"

// Metadata carries a Context's bookkeeping fields.
type Metadata struct {
	CreatedAt time.Time
	CreatedBy string
	ExpiresAt time.Time // zero value means "never expires"
	Tags      []string
}

// Context is one node in the propagation tree.
type Context struct {
	ID       string
	Scope    Scope
	ParentID string
	Data     map[string]interface{}
	Metadata Metadata
}

// IsExpired reports whether the context has passed its ExpiresAt.
func (c *Context) IsExpired(now time.Time) bool {
	if c.Metadata.ExpiresAt.IsZero() {
		return false
	}
	return now.After(c.Metadata.ExpiresAt)
}

// Manager owns the context tree and the task-local current-context
// stack. A single process-wide stack is used rather than true
// goroutine-local storage (Go has none idiomatic); callers that need
// per-goroutine isolation should thread *Context explicitly instead of
// relying on GetCurrent.
type Manager struct {
	mu           sync.Mutex
	clock        clockid.Clock
	contexts     map[string]*Context
	currentStack []*Context
}

func NewManager(clock clockid.Clock) *Manager {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	m := &Manager{
		clock:    clock,
		contexts: make(map[string]*Context),
	}
	m.contexts[GlobalContextID] = &Context{
		ID:       GlobalContextID,
		Scope:    ScopeGlobal,
		Data:     make(map[string]interface{}),
		Metadata: Metadata{CreatedAt: clock.Now(), CreatedBy: "system"},
	}
	return m
}

// Create builds a new Context under parentID (may be "" for a root-level
// context outside the global tree). If inheritData, the parent's data
// map is shallow-copied into the new context before data is applied on
// top.
func (m *Manager) Create(scope Scope, parentID string, data map[string]interface{}, inheritData bool) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[string]interface{})
	if inheritData {
		if parent, ok := m.contexts[parentID]; ok {
			for k, v := range parent.Data {
				merged[k] = v
			}
		}
	}
	for k, v := range data {
		merged[k] = v
	}

	ctx := &Context{
		ID:       clockid.NewID16(),
		Scope:    scope,
		ParentID: parentID,
		Data:     merged,
		Metadata: Metadata{CreatedAt: m.clock.Now()},
	}
	m.contexts[ctx.ID] = ctx
	return ctx
}

// Get returns a context by id.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[id]
	return ctx, ok
}

// GetCurrent returns the top of the task-local current-context stack,
// falling back to the global context.
func (m *Manager) GetCurrent() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.currentStack) == 0 {
		return m.contexts[GlobalContextID]
	}
	return m.currentStack[len(m.currentStack)-1]
}

// Use pushes ctx as current for the duration of fn, restoring the prior
// current context afterward even if fn panics.
func (m *Manager) Use(ctx *Context, fn func()) {
	m.mu.Lock()
	m.currentStack = append(m.currentStack, ctx)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if len(m.currentStack) > 0 {
			m.currentStack = m.currentStack[:len(m.currentStack)-1]
		}
		m.mu.Unlock()
	}()

	fn()
}

// Share copies keys (or all keys, if empty) from src's data into dst's
// data.
func (m *Manager) Share(srcID, dstID string, keys []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.contexts[srcID]
	if !ok {
		return false
	}
	dst, ok := m.contexts[dstID]
	if !ok {
		return false
	}
	if len(keys) == 0 {
		for k, v := range src.Data {
			dst.Data[k] = v
		}
		return true
	}
	for _, k := range keys {
		if v, ok := src.Data[k]; ok {
			dst.Data[k] = v
		}
	}
	return true
}

// Lineage returns the chain of contexts from id up to (and including)
// its root ancestor.
func (m *Manager) Lineage(id string) []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	var chain []*Context
	current, ok := m.contexts[id]
	for ok {
		chain = append(chain, current)
		if current.ParentID == "" {
			break
		}
		current, ok = m.contexts[current.ParentID]
	}
	return chain
}

// Delete removes a context. Deleting the global context is a no-op
// (§4.5 invariant).
func (m *Manager) Delete(id string) {
	if id == GlobalContextID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, id)
}

// CleanupExpired removes every non-global context past its ExpiresAt.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	removed := 0
	for id, ctx := range m.contexts {
		if id == GlobalContextID {
			continue
		}
		if ctx.IsExpired(now) {
			delete(m.contexts, id)
			removed++
		}
	}
	return removed
}
