// Package registry maps self-chosen identities to the live connection that
// most recently claimed them.
//
// A connection owns at most one identity. Ownership moves to whichever
// connection registered last, and a connection can only ever remove the
// binding it still owns.
package registry

import (
	"sort"
	"sync"
)

// Conn is the registry's view of a live connection. Implementations are
// compared by identity, so pointer types are expected.
type Conn interface {
	ID() string
}

// Registry is safe for concurrent use. It performs no I/O while holding its
// lock.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Conn
	owned    map[Conn]string
}

func New() *Registry {
	return &Registry{
		bindings: make(map[string]Conn),
		owned:    make(map[Conn]string),
	}
}

// Bind points identity at c, replacing any previous binding (last writer
// wins). If c owned a different identity that binding is dropped first. The
// displaced connection, if any, is returned and no longer owns an identity.
func (r *Registry) Bind(identity string, c Conn) (previous Conn, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.owned[c]; ok {
		if old == identity {
			return nil, false
		}
		delete(r.bindings, old)
	}

	previous, replaced = r.bindings[identity]
	if replaced {
		delete(r.owned, previous)
	}
	r.bindings[identity] = c
	r.owned[c] = identity
	return previous, replaced
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.bindings[identity]
	return c, ok
}

// IdentityOf returns the identity c currently owns.
func (r *Registry) IdentityOf(c Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.owned[c]
	return id, ok
}

// Release removes the binding owned by c. A connection displaced by a newer
// registration owns nothing, so its release leaves the newer binding intact.
func (r *Registry) Release(c Conn) (identity string, released bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, released = r.owned[c]
	if !released {
		return "", false
	}
	delete(r.owned, c)
	if r.bindings[identity] == c {
		delete(r.bindings, identity)
	}
	return identity, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Identities returns the bound identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
