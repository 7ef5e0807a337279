package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Conn is a live duplex connection owned by the transport. Send must not block;
// it reports whether the event was queued. Close must be safe to call twice.
type Conn interface {
	ID() string
	Send(Event) bool
	Close()
}

// Registry maps user ids to their current connection. At most one connection
// is bound per user and the most recent registration wins.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Conn
	byConn map[Conn]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Conn),
		byConn: make(map[Conn]string),
	}
}

// Register binds userID to conn. It returns the connection that previously
// held userID (nil if none or if it was conn itself) and the user id conn was
// previously bound to ("" if none or if it was userID).
func (r *Registry) Register(userID string, conn Conn) (stale Conn, priorUserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[conn]; ok && prev != userID {
		priorUserID = prev
		if r.byUser[prev] == conn {
			delete(r.byUser, prev)
		}
	}
	if old, ok := r.byUser[userID]; ok && old != conn {
		stale = old
		delete(r.byConn, old)
	}
	r.byUser[userID] = conn
	r.byConn[conn] = userID
	return stale, priorUserID
}

// Unregister removes the entry held by conn. A handle that was superseded by a
// later registration removes nothing.
func (r *Registry) Unregister(conn Conn) (userID string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	if r.byUser[userID] != conn {
		return "", false
	}
	delete(r.byUser, userID)
	return userID, true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[userID]
	return conn, ok
}

func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Snapshot returns the registered user ids in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := lo.Keys(r.byUser)
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Connections copies the registered connections, leaving out exclude.
func (r *Registry) Connections(exclude Conn) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.byUser))
	for _, conn := range r.byUser {
		if conn != exclude {
			conns = append(conns, conn)
		}
	}
	return conns
}
