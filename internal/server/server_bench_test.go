//go:build linux

package server

import (
	"testing"

	"github.com/lagnet/go-lag-server/internal/game"
	"github.com/lagnet/go-lag-server/internal/proto"
	"github.com/lagnet/go-lag-server/internal/reactor"
)

// BenchmarkTickFanout measures the mailbox drain into 128 send queues.
func BenchmarkTickFanout(b *testing.B) {
	const clients = 128
	snapshot := make([]game.ClientState, clients)
	conns := make([]*conn, clients)
	for i := range conns {
		snapshot[i] = game.NewClientState(uint32(2 + i))
		conns[i] = newConn(-1, reactor.Token(2+i), "bench", testLogger())
	}
	bcast := proto.NewGameStateUpdate(snapshot)
	rt := newRoutingTable()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rt.push(Broadcast(), bcast)
		bs := rt.broadcasts()
		for _, c := range conns {
			c.enqueueFront(rt.drainUnicast(c.token))
			for _, m := range bs {
				c.enqueue(m)
			}
			c.sendQueue = c.sendQueue[:0]
		}
		rt.clearBroadcast()
	}
}

// BenchmarkDispatchClientUpdate measures the hot inbound path.
func BenchmarkDispatchClientUpdate(b *testing.B) {
	s := NewServer(WithLogger(testLogger()))
	tok := reactor.Token(2)
	c := newConn(-1, tok, "bench", testLogger())
	s.conns[tok] = c
	m := proto.NewClientUpdate(game.ClientState{ID: 2, Position: game.Position{X: 1}})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s.dispatch(tok, c, m)
		s.dirty = false
	}
}
