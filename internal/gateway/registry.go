package gateway

import (
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Conn is one registered socket. Owned by the gateway process only; never
// persisted.
type Conn struct {
	ID     uint64
	DuelID int64
	UserID string

	sock *websocket.Conn

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *Conn) Touch(t time.Time) {
	c.mu.Lock()
	c.lastSeen = t
	c.mu.Unlock()
}

func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Registry is the arena of live connection handles, indexed by id and by
// duel. Explicit add/remove on connect, disconnect, and timeout.
type Registry struct {
	mu     sync.RWMutex
	seq    uint64
	byID   map[uint64]*Conn
	byDuel map[int64]map[uint64]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint64]*Conn),
		byDuel: make(map[int64]map[uint64]*Conn),
	}
}

// Add registers a socket and returns the handle plus any displaced
// connection for the same (duel, user) pair — one active connection per
// participant per duel; the caller closes the displaced socket.
func (r *Registry) Add(duelID int64, userID string, sock *websocket.Conn, now time.Time) (*Conn, []*Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced []*Conn
	for id, c := range r.byDuel[duelID] {
		if c.UserID == userID {
			displaced = append(displaced, c)
			delete(r.byID, id)
			delete(r.byDuel[duelID], id)
		}
	}

	r.seq++
	c := &Conn{ID: r.seq, DuelID: duelID, UserID: userID, sock: sock, lastSeen: now}
	r.byID[c.ID] = c
	if r.byDuel[duelID] == nil {
		r.byDuel[duelID] = make(map[uint64]*Conn)
	}
	r.byDuel[duelID][c.ID] = c
	return c, displaced
}

// Remove drops a connection handle. Idempotent.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if conns := r.byDuel[c.DuelID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byDuel, c.DuelID)
		}
	}
}

// ByDuel snapshots the connections subscribed to a duel.
func (r *Registry) ByDuel(duelID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byDuel[duelID]))
	for _, c := range r.byDuel[duelID] {
		out = append(out, c)
	}
	return out
}

// DuelIDs lists duels with at least one connected socket.
func (r *Registry) DuelIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.byDuel))
	for id := range r.byDuel {
		out = append(out, id)
	}
	return out
}

// IdleSince returns connections with no traffic since the cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.byID {
		if c.LastSeen().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
