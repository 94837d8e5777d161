package fll

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Token identifies a goroutine towards a Registry. Go has no goroutine
// identity, so each goroutine that traverses or writes a container creates
// one (NewToken) and keeps it for its lifetime.
type Token uuid.UUID

// NewToken returns a random Token.
func NewToken() Token {
	return Token(uuid.New())
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t == Token{}
}

func (t Token) String() string {
	return uuid.UUID(t).String()
}

// Registry maps tokens to the ThreadStates registered on one LayoutLock.
// It is owned by the container whose lock it serves.
type Registry struct {
	lock *LayoutLock

	mu     sync.Mutex
	states map[Token]*ThreadState
	// last caches the most recently acquired state; most goroutines use a
	// single token, so Acquire is usually a pointer load and compare.
	last atomic.Pointer[ThreadState]
}

// NewRegistry creates an empty registry for lock.
func NewRegistry(lock *LayoutLock) *Registry {
	return &Registry{
		lock:   lock,
		states: make(map[Token]*ThreadState),
	}
}

// Acquire returns the ThreadState registered for tok, registering a new one
// on first use.
func (r *Registry) Acquire(tok Token) *ThreadState {
	if ts := r.last.Load(); ts != nil && ts.token == tok {
		return ts
	}
	return r.acquireSlow(tok)
}

func (r *Registry) acquireSlow(tok Token) *ThreadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.states[tok]
	if !ok {
		ts = r.lock.NewThreadState()
		ts.token = tok
		r.lock.RegisterThread(ts)
		r.states[tok] = ts
	}
	r.last.Store(ts)
	return ts
}

// Lookup returns the ThreadState registered for tok, if any.
func (r *Registry) Lookup(tok Token) (*ThreadState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.states[tok]
	return ts, ok
}

// Release unregisters tok. Releasing a token that holds no registration is
// a fatal contract violation.
func (r *Registry) Release(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.states[tok]
	if !ok {
		r.lock.violation("releasing a token that is not registered", "token", tok)
	}
	delete(r.states, tok)
	r.last.CompareAndSwap(ts, nil)
	r.lock.UnregisterThread(ts)
}

// Enter registers tok and returns its state together with the function
// that releases it. If tok is already registered the release function does
// nothing, so scopes nest.
//
//	ts, release := reg.Enter(tok)
//	defer release()
func (r *Registry) Enter(tok Token) (*ThreadState, func()) {
	if ts, ok := r.Lookup(tok); ok {
		return ts, func() {}
	}
	ts := r.Acquire(tok)
	return ts, func() { r.Release(tok) }
}

// With runs fn with tok registered and releases the registration when fn
// returns, including when fn panics.
func (r *Registry) With(tok Token, fn func(ts *ThreadState)) {
	ts, release := r.Enter(tok)
	defer release()
	fn(ts)
}

// ReleaseAll unregisters every token, used when the container is torn down.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last.Store(nil)
	for tok, ts := range r.states {
		delete(r.states, tok)
		r.lock.UnregisterThread(ts)
	}
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
