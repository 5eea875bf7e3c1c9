package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lagnet/go-lag-server/internal/game"
	"github.com/lagnet/go-lag-server/internal/metrics"
)

// Magic starts every frame header; the bytes spell "LAG!".
const Magic uint32 = 0x4C414721

// HeaderSize is the fixed frame header length: magic(4), code(1), length(4).
const HeaderSize = 9

// MaxTextLen bounds Text payloads to the read buffer size.
const MaxTextLen = 1024

// Codec frames messages onto a byte stream. Stateless and safe for
// concurrent use.
type Codec struct{}

var (
	// ErrShortHeader is returned when the stream ends inside a header.
	ErrShortHeader = errors.New("lag: short header")
	// ErrShortPayload is returned when the stream ends inside a payload.
	ErrShortPayload = errors.New("lag: short payload")
	// ErrBadMagic is returned when a header does not start with "LAG!".
	ErrBadMagic = errors.New("lag: bad magic")
	// ErrUnknownKind is returned for an unrecognised message code.
	ErrUnknownKind = errors.New("lag: unknown message code")
	// ErrBadLength is returned when the length field contradicts the kind.
	ErrBadLength = errors.New("lag: bad payload length")
	// ErrTextTooLong is returned when a Text payload exceeds MaxTextLen.
	ErrTextTooLong = errors.New("lag: text too long")
	// ErrIncomplete signals a partial frame in a buffer; wait for more bytes.
	ErrIncomplete = errors.New("lag: incomplete frame")
)

// Fatal reports whether a decode error means the stream is desynced and the
// connection must be dropped. Short reads are recoverable at the framing
// layer (the peer closed mid-frame); everything else is not.
func Fatal(err error) bool {
	return errors.Is(err, ErrBadMagic) || errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrBadLength) || errors.Is(err, ErrTextTooLong)
}

// Header is a decoded frame header.
type Header struct {
	Kind   Kind
	Length uint32
}

// validate checks the length field against the kind's payload contract.
func (h Header) validate() error {
	switch h.Kind {
	case KindText:
		if h.Length > MaxTextLen {
			metrics.IncMalformed()
			return fmt.Errorf("%w: %d bytes", ErrTextTooLong, h.Length)
		}
	case KindClientUpdate:
		if h.Length != game.StateWireSize {
			metrics.IncMalformed()
			return fmt.Errorf("%w: client update of %d bytes", ErrBadLength, h.Length)
		}
	case KindGameStateUpdate:
		if h.Length%game.StateWireSize != 0 {
			metrics.IncMalformed()
			return fmt.Errorf("%w: game state of %d bytes", ErrBadLength, h.Length)
		}
	case KindPing:
		if h.Length != 0 {
			metrics.IncMalformed()
			return fmt.Errorf("%w: ping of %d bytes", ErrBadLength, h.Length)
		}
	}
	return nil
}

// parseHeader decodes and validates the 9 header bytes in b.
func parseHeader(b []byte) (Header, error) {
	var h Header
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != Magic {
		metrics.IncMalformed()
		return h, fmt.Errorf("%w: 0x%08X", ErrBadMagic, magic)
	}
	h.Kind = Kind(b[4])
	h.Length = binary.BigEndian.Uint32(b[5:9])
	if !h.Kind.Valid() {
		metrics.IncMalformed()
		return h, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, uint8(h.Kind))
	}
	if err := h.validate(); err != nil {
		return h, err
	}
	return h, nil
}

// ReadHeader reads exactly HeaderSize bytes from r and decodes them.
// Returns io.EOF only at a clean frame boundary.
func (Codec) ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return Header{}, fmt.Errorf("%w: %v", ErrShortHeader, err)
		}
		return Header{}, err
	}
	return parseHeader(buf[:])
}

// Decode reads one full message from r: the header, then exactly
// header.Length payload bytes.
func (c Codec) Decode(r io.Reader) (Message, error) {
	h, err := c.ReadHeader(r)
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return Message{}, fmt.Errorf("%w: %v", ErrShortPayload, err)
		}
		return Message{}, err
	}
	return decodePayload(h, payload)
}

// DecodeBuffer decodes one message from the front of buf without blocking.
// It returns the message and the number of bytes consumed, or ErrIncomplete
// when buf does not yet hold a complete frame.
func (Codec) DecodeBuffer(buf []byte) (Message, int, error) {
	if len(buf) < HeaderSize {
		return Message{}, 0, ErrIncomplete
	}
	h, err := parseHeader(buf[:HeaderSize])
	if err != nil {
		return Message{}, 0, err
	}
	total := HeaderSize + int(h.Length)
	if len(buf) < total {
		return Message{}, 0, ErrIncomplete
	}
	m, err := decodePayload(h, buf[HeaderSize:total])
	if err != nil {
		return Message{}, 0, err
	}
	return m, total, nil
}

func decodePayload(h Header, payload []byte) (Message, error) {
	switch h.Kind {
	case KindText:
		return NewText(string(payload)), nil
	case KindPing:
		return NewPing(), nil
	case KindClientUpdate:
		return NewClientUpdate(decodeState(payload)), nil
	case KindGameStateUpdate:
		n := len(payload) / game.StateWireSize
		states := make([]game.ClientState, 0, n)
		for i := 0; i < n; i++ {
			states = append(states, decodeState(payload[i*game.StateWireSize:]))
		}
		return NewGameStateUpdate(states), nil
	}
	// parseHeader rejects unknown kinds before payload decode.
	return Message{}, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, uint8(h.Kind))
}

// Encode returns the complete frame for m: header then payload.
func (c Codec) Encode(m Message) []byte {
	buf := make([]byte, 0, HeaderSize+m.PayloadSize())
	return c.Append(buf, m)
}

// Append appends m's frame to dst and returns the extended slice.
func (Codec) Append(dst []byte, m Message) []byte {
	dst = binary.BigEndian.AppendUint32(dst, Magic)
	dst = append(dst, byte(m.Kind))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.PayloadSize()))
	switch m.Kind {
	case KindText:
		dst = append(dst, m.Text...)
	case KindClientUpdate:
		dst = appendState(dst, m.State)
	case KindGameStateUpdate:
		for _, cs := range m.States {
			dst = appendState(dst, cs)
		}
	}
	return dst
}

// EncodeTo writes m's frame to w and returns bytes written.
func (c Codec) EncodeTo(w io.Writer, m Message) (int, error) {
	return w.Write(c.Encode(m))
}

func appendState(dst []byte, cs game.ClientState) []byte {
	dst = binary.BigEndian.AppendUint32(dst, cs.ID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(cs.Position.X))
	dst = binary.BigEndian.AppendUint32(dst, uint32(cs.Position.Y))
	dst = binary.BigEndian.AppendUint32(dst, uint32(cs.Position.Z))
	dst = binary.BigEndian.AppendUint32(dst, uint32(cs.Rotation))
	return dst
}

func decodeState(b []byte) game.ClientState {
	return game.ClientState{
		ID: binary.BigEndian.Uint32(b[0:4]),
		Position: game.Position{
			X: int32(binary.BigEndian.Uint32(b[4:8])),
			Y: int32(binary.BigEndian.Uint32(b[8:12])),
			Z: int32(binary.BigEndian.Uint32(b[12:16])),
		},
		Rotation: game.Rotation(int32(binary.BigEndian.Uint32(b[16:20]))),
	}
}

// Equal compares two messages field by field, including transforms.
// ClientState identity elsewhere is ID-only; the codec round-trip contract
// needs the stronger comparison.
func Equal(a, b Message) bool {
	if a.Kind != b.Kind || a.Text != b.Text || a.State != b.State {
		return false
	}
	if len(a.States) != len(b.States) {
		return false
	}
	for i := range a.States {
		if a.States[i] != b.States[i] {
			return false
		}
	}
	return true
}
