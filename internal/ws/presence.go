package ws

import (
	"sort"
	"sync"
)

// Presence tracks which users have at least one live connection.
// Each user maps to the set of their connection ids; only the first Add and
// the last Remove for a user are presence transitions.
type Presence struct {
	mu    sync.RWMutex
	conns map[int64]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{conns: make(map[int64]map[string]struct{})}
}

// Add records a connection and reports whether it is the user's first.
// Adding the same connection twice is a no-op.
func (p *Presence) Add(userID int64, connID string) (first bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]struct{}, 1)
		p.conns[userID] = set
	}
	if _, dup := set[connID]; dup {
		return false
	}
	set[connID] = struct{}{}
	return len(set) == 1
}

// Remove forgets a connection and reports whether it was the user's last.
// Removing an unknown connection is a no-op.
func (p *Presence) Remove(userID int64, connID string) (last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[userID]
	if !ok {
		return false
	}
	if _, known := set[connID]; !known {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(p.conns, userID)
		return true
	}
	return false
}

// Online reports whether the user has any live connection.
func (p *Presence) Online(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[userID]) > 0
}

// Connections returns the number of live connections of the user.
func (p *Presence) Connections(userID int64) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[userID])
}

// OnlineUsers returns a sorted snapshot of online user ids.
func (p *Presence) OnlineUsers() []int64 {
	p.mu.RLock()
	ids := make([]int64, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset drops every connection; used on hub shutdown.
func (p *Presence) Reset() {
	p.mu.Lock()
	p.conns = make(map[int64]map[string]struct{})
	p.mu.Unlock()
}
