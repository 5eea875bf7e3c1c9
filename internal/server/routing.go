package server

import (
	"github.com/lagnet/go-lag-server/internal/proto"
	"github.com/lagnet/go-lag-server/internal/reactor"
)

// destKind tags a routing destination.
type destKind uint8

const (
	destUnicast destKind = iota
	destBroadcast
)

// Destination addresses a mailbox in the routing table: either one
// connection by token, or every connection.
type Destination struct {
	kind  destKind
	token reactor.Token
}

// Unicast addresses the connection holding tok.
func Unicast(tok reactor.Token) Destination {
	return Destination{kind: destUnicast, token: tok}
}

// Broadcast addresses all connections.
func Broadcast() Destination { return Destination{kind: destBroadcast} }

// routingTable stages messages per destination between ready dispatch and
// the tick that drains them into per-connection send queues.
type routingTable struct {
	boxes map[Destination][]proto.Message
}

func newRoutingTable() *routingTable {
	return &routingTable{boxes: make(map[Destination][]proto.Message)}
}

// push appends m to the mailbox for d, creating it if absent.
func (rt *routingTable) push(d Destination, m proto.Message) {
	rt.boxes[d] = append(rt.boxes[d], m)
}

// drainUnicast removes and returns the mailbox for tok in staged order.
func (rt *routingTable) drainUnicast(tok reactor.Token) []proto.Message {
	d := Unicast(tok)
	ms := rt.boxes[d]
	if ms != nil {
		delete(rt.boxes, d)
	}
	return ms
}

// broadcasts returns the broadcast mailbox without clearing it; every
// connection copies from it during the same tick.
func (rt *routingTable) broadcasts() []proto.Message {
	return rt.boxes[Broadcast()]
}

// clearBroadcast empties the broadcast mailbox at end of tick. Each staged
// broadcast is delivered exactly once across the connections present during
// that tick.
func (rt *routingTable) clearBroadcast() {
	delete(rt.boxes, Broadcast())
}

// dropUnicast discards any mail staged for a departed connection.
func (rt *routingTable) dropUnicast(tok reactor.Token) {
	delete(rt.boxes, Unicast(tok))
}
