package fanout

import (
	"hash/fnv"
	"sync"
	"time"

	"taskpulse/internal/event"
)

// The registry is sharded by owner id: connect/disconnect and broadcast
// for different owners never contend on the same lock.
const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}
	// history keeps the most recent events per owner for reconnect
	// backfill (?since=...).
	history map[string][]event.Event
}

type registry struct {
	shards      [shardCount]*shard
	historySize int
}

func newRegistry(historySize int) *registry {
	r := &registry{historySize: historySize}
	for i := range r.shards {
		r.shards[i] = &shard{
			conns:   map[string]map[*Conn]struct{}{},
			history: map[string][]event.Event{},
		}
	}
	return r
}

func (r *registry) shardFor(ownerID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *registry) add(c *Conn) {
	sh := r.shardFor(c.ownerID)
	sh.mu.Lock()
	set := sh.conns[c.ownerID]
	if set == nil {
		set = map[*Conn]struct{}{}
		sh.conns[c.ownerID] = set
	}
	set[c] = struct{}{}
	sh.mu.Unlock()
}

// remove detaches the connection and reports whether it was present
// (a second remove is a no-op).
func (r *registry) remove(c *Conn) bool {
	sh := r.shardFor(c.ownerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.conns[c.ownerID]
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(sh.conns, c.ownerID)
		// Keep history: the owner may reconnect and ask for backfill.
	}
	return true
}

// forOwner snapshots the owner's connections so callers don't hold the
// shard lock while enqueuing.
func (r *registry) forOwner(ownerID string) []*Conn {
	sh := r.shardFor(ownerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.conns[ownerID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// all snapshots every registered connection.
func (r *registry) all() []*Conn {
	var out []*Conn
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, set := range sh.conns {
			for c := range set {
				out = append(out, c)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func (r *registry) recordHistory(ownerID string, ev event.Event) {
	if r.historySize <= 0 {
		return
	}
	sh := r.shardFor(ownerID)
	sh.mu.Lock()
	h := append(sh.history[ownerID], ev)
	if len(h) > r.historySize {
		h = h[len(h)-r.historySize:]
	}
	sh.history[ownerID] = h
	sh.mu.Unlock()
}

// backfill returns the retained events for the owner strictly after
// since, oldest first.
func (r *registry) backfill(ownerID string, since time.Time) []event.Event {
	sh := r.shardFor(ownerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	h := sh.history[ownerID]
	var out []event.Event
	for _, ev := range h {
		if ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *registry) connCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, set := range sh.conns {
			n += len(set)
		}
		sh.mu.RUnlock()
	}
	return n
}
