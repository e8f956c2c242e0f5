package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/event"
)

// Conn is one live client connection. The transport layer consumes
// Events() and reports every successful network write (data or
// heartbeat) via Ack; connections without a recent Ack are swept.
type Conn struct {
	id       string
	ownerID  string
	openedAt time.Time

	// lastAck is unix nanos of the last successful write.
	lastAck atomic.Int64

	mu      sync.Mutex
	ch      chan event.Event
	closed  bool
	dropped uint64
}

func newConn(ownerID string, queueSize int, now time.Time) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		ownerID:  ownerID,
		openedAt: now,
		ch:       make(chan event.Event, queueSize),
	}
	c.lastAck.Store(now.UnixNano())
	return c
}

func (c *Conn) ID() string      { return c.id }
func (c *Conn) OwnerID() string { return c.ownerID }

// Events is the outbound queue. It is closed when the connection is
// removed from the registry.
func (c *Conn) Events() <-chan event.Event { return c.ch }

// Ack records a successful write to the client.
func (c *Conn) Ack(t time.Time) { c.lastAck.Store(t.UnixNano()) }

func (c *Conn) lastAckTime() time.Time { return time.Unix(0, c.lastAck.Load()) }

// Dropped reports how many events were discarded on overflow (GAP
// markers excluded).
func (c *Conn) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// send enqueues one event. Sends and closes are serialized by c.mu and
// the consumer only ever removes, so the len check below cannot race
// into a blocking send.
func (c *Conn) send(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.ch) < cap(c.ch) {
		c.ch <- ev
		return
	}

	// Overflow: drop oldest entries until there is room for a GAP
	// marker plus the new event. Dropping an old GAP coalesces markers.
	// Queue capacity is at least 2 (see Config.withDefaults), so once
	// the loop ends both sends below have a free slot and never block.
	for cap(c.ch)-len(c.ch) < 2 && len(c.ch) > 0 {
		old := <-c.ch
		if old.Type != event.Gap {
			c.dropped++
		}
	}
	c.ch <- event.Event{
		ID:        uuid.NewString(),
		Type:      event.Gap,
		OwnerID:   c.ownerID,
		Timestamp: ev.Timestamp,
	}
	c.ch <- ev
}

// sendHeartbeat enqueues a keep-alive marker, skipped when the queue is
// full: a backed-up connection has pending data writes that already
// exercise liveness.
func (c *Conn) sendHeartbeat(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.ch) >= cap(c.ch) {
		return
	}
	c.ch <- ev
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
