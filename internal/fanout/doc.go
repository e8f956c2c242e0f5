// Package fanout delivers published lifecycle events to the live client
// connections of the event's owner.
//
// Connections register with Subscribe and are strictly isolated per
// owner: a broadcast for one owner is never visible on another owner's
// connections. Each connection carries a bounded outbound queue; on
// overflow the oldest events are dropped and a GAP marker is queued in
// their place so the client can detect loss and resynchronize with a
// full refetch.
package fanout
