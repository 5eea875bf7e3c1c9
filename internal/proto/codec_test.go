package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/lagnet/go-lag-server/internal/game"
)

func mkState(id uint32, x, y, z, rot int32) game.ClientState {
	return game.ClientState{
		ID:       id,
		Position: game.Position{X: x, Y: y, Z: z},
		Rotation: game.Rotation(rot),
	}
}

func sampleMessages() []Message {
	return []Message{
		NewText(""),
		NewText("hi"),
		NewText("a longer text message with spaces and\nnewlines"),
		NewPing(),
		NewClientUpdate(mkState(2, 1, 2, 3, 90)),
		NewClientUpdate(mkState(7, -1, -2, -3, -180)),
		NewGameStateUpdate(nil),
		NewGameStateUpdate([]game.ClientState{mkState(2, 10, 0, 0, 90)}),
		NewGameStateUpdate([]game.ClientState{
			mkState(2, 0, 0, 0, 0),
			mkState(3, 2147483647, -2147483648, 1, -1),
			mkState(4, 5, 5, 5, 45),
		}),
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := Codec{}
	for i, in := range sampleMessages() {
		wire := c.Encode(in)
		out, err := c.Decode(bytes.NewReader(wire))
		if err != nil {
			t.Fatalf("message %d: decode error: %v", i, err)
		}
		if !Equal(in, out) {
			t.Fatalf("message %d: round trip mismatch\nin=%+v\nout=%+v", i, in, out)
		}
	}
}

func TestCodec_HeaderLayout(t *testing.T) {
	c := Codec{}
	for i, m := range sampleMessages() {
		wire := c.Encode(m)
		if len(wire) < HeaderSize {
			t.Fatalf("message %d: frame shorter than header: %d", i, len(wire))
		}
		if !bytes.Equal(wire[0:4], []byte{0x4C, 0x41, 0x47, 0x21}) {
			t.Fatalf("message %d: magic bytes = % X", i, wire[0:4])
		}
		if Kind(wire[4]) != m.Kind {
			t.Fatalf("message %d: code byte = 0x%02X want 0x%02X", i, wire[4], uint8(m.Kind))
		}
		length := binary.BigEndian.Uint32(wire[5:9])
		if int(length) != len(wire)-HeaderSize {
			t.Fatalf("message %d: length field %d, payload %d", i, length, len(wire)-HeaderSize)
		}
	}
}

func TestCodec_DecodeBufferMatchesDecode(t *testing.T) {
	c := Codec{}
	var wire []byte
	msgs := sampleMessages()
	for _, m := range msgs {
		wire = c.Append(wire, m)
	}
	for i, want := range msgs {
		m, n, err := c.DecodeBuffer(wire)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !Equal(m, want) {
			t.Fatalf("message %d mismatch: %+v", i, m)
		}
		wire = wire[n:]
	}
	if len(wire) != 0 {
		t.Fatalf("%d trailing bytes", len(wire))
	}
}

func TestCodec_DecodeBufferIncomplete(t *testing.T) {
	c := Codec{}
	wire := c.Encode(NewText("partial"))
	for cut := 0; cut < len(wire); cut++ {
		if _, _, err := c.DecodeBuffer(wire[:cut]); !errors.Is(err, ErrIncomplete) {
			t.Fatalf("cut %d: err=%v, want ErrIncomplete", cut, err)
		}
	}
}

func TestCodec_BadMagic(t *testing.T) {
	c := Codec{}
	wire := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	if _, err := c.Decode(bytes.NewReader(wire)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err=%v, want ErrBadMagic", err)
	}
	if _, _, err := c.DecodeBuffer(wire); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("buffer err=%v, want ErrBadMagic", err)
	}
}

func TestCodec_UnknownCode(t *testing.T) {
	c := Codec{}
	wire := c.Encode(NewPing())
	wire[4] = 0x42
	if _, err := c.Decode(bytes.NewReader(wire)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err=%v, want ErrUnknownKind", err)
	}
}

func TestCodec_ShortHeader(t *testing.T) {
	c := Codec{}
	wire := c.Encode(NewText("hello"))
	if _, err := c.Decode(bytes.NewReader(wire[:5])); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("err=%v, want ErrShortHeader", err)
	}
	// Zero bytes at a clean boundary is EOF, not a short header.
	if _, err := c.Decode(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestCodec_ShortPayload(t *testing.T) {
	c := Codec{}
	wire := c.Encode(NewText("hello"))
	if _, err := c.Decode(bytes.NewReader(wire[:HeaderSize+2])); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("err=%v, want ErrShortPayload", err)
	}
}

func TestCodec_BadLength(t *testing.T) {
	c := Codec{}
	// GameStateUpdate whose length is not a multiple of the record size.
	wire := c.Encode(NewGameStateUpdate([]game.ClientState{mkState(2, 0, 0, 0, 0)}))
	binary.BigEndian.PutUint32(wire[5:9], 19)
	if _, err := c.Decode(bytes.NewReader(wire)); !errors.Is(err, ErrBadLength) {
		t.Fatalf("game state err=%v, want ErrBadLength", err)
	}
	// ClientUpdate must carry exactly one record.
	wire = c.Encode(NewClientUpdate(mkState(2, 0, 0, 0, 0)))
	binary.BigEndian.PutUint32(wire[5:9], 19)
	if _, err := c.Decode(bytes.NewReader(wire)); !errors.Is(err, ErrBadLength) {
		t.Fatalf("client update err=%v, want ErrBadLength", err)
	}
	// Ping payloads are forbidden.
	wire = c.Encode(NewPing())
	binary.BigEndian.PutUint32(wire[5:9], 1)
	wire = append(wire, 0xAA)
	if _, err := c.Decode(bytes.NewReader(wire)); !errors.Is(err, ErrBadLength) {
		t.Fatalf("ping err=%v, want ErrBadLength", err)
	}
}

func TestCodec_TextTooLong(t *testing.T) {
	c := Codec{}
	big := make([]byte, MaxTextLen+1)
	wire := c.Encode(NewText(string(big)))
	if _, err := c.Decode(bytes.NewReader(wire)); !errors.Is(err, ErrTextTooLong) {
		t.Fatalf("err=%v, want ErrTextTooLong", err)
	}
	// Exactly at the cap is fine.
	wire = c.Encode(NewText(string(big[:MaxTextLen])))
	if _, err := c.Decode(bytes.NewReader(wire)); err != nil {
		t.Fatalf("at-cap text rejected: %v", err)
	}
}

func TestCodec_FatalClassification(t *testing.T) {
	for _, err := range []error{ErrBadMagic, ErrUnknownKind, ErrBadLength, ErrTextTooLong} {
		if !Fatal(err) {
			t.Fatalf("%v should be fatal", err)
		}
	}
	for _, err := range []error{ErrShortHeader, ErrShortPayload, ErrIncomplete, io.EOF} {
		if Fatal(err) {
			t.Fatalf("%v should not be fatal", err)
		}
	}
}
