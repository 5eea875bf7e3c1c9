package proto

import (
	"bytes"
	"testing"

	"github.com/lagnet/go-lag-server/internal/game"
)

func benchSnapshot(n int) []game.ClientState {
	states := make([]game.ClientState, n)
	for i := range states {
		states[i] = mkState(uint32(2+i), int32(i), int32(-i), int32(i*3), int32(i%360))
	}
	return states
}

func BenchmarkCodec_EncodeGameState(b *testing.B) {
	c := Codec{}
	m := NewGameStateUpdate(benchSnapshot(32))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.Encode(m)
	}
}

func BenchmarkCodec_AppendGameState(b *testing.B) {
	c := Codec{}
	m := NewGameStateUpdate(benchSnapshot(32))
	buf := make([]byte, 0, HeaderSize+m.PayloadSize())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf = c.Append(buf[:0], m)
	}
}

func BenchmarkCodec_DecodeGameState(b *testing.B) {
	c := Codec{}
	wire := c.Encode(NewGameStateUpdate(benchSnapshot(32)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r := bytes.NewReader(wire)
		if _, err := c.Decode(r); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodec_DecodeBufferClientUpdate(b *testing.B) {
	c := Codec{}
	wire := c.Encode(NewClientUpdate(mkState(2, 1, 2, 3, 90)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := c.DecodeBuffer(wire); err != nil {
			b.Fatal(err)
		}
	}
}
