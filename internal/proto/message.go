package proto

import (
	"fmt"

	"github.com/lagnet/go-lag-server/internal/game"
)

// Kind identifies a message on the wire.
type Kind uint8

const (
	KindText            Kind = 0x01
	KindClientUpdate    Kind = 0x02
	KindGameStateUpdate Kind = 0x03
	KindPing            Kind = 0xFF
)

// Valid reports whether k is a known wire code.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindClientUpdate, KindGameStateUpdate, KindPing:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindClientUpdate:
		return "client_update"
	case KindGameStateUpdate:
		return "game_state_update"
	case KindPing:
		return "ping"
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(k))
}

// Message is one decoded protocol message. Kind selects which payload field
// is meaningful; the others stay zero.
type Message struct {
	Kind   Kind
	Text   string
	State  game.ClientState
	States []game.ClientState
}

// NewText builds a Text message.
func NewText(s string) Message { return Message{Kind: KindText, Text: s} }

// NewPing builds a Ping message.
func NewPing() Message { return Message{Kind: KindPing} }

// NewClientUpdate builds a ClientUpdate carrying one client's state.
func NewClientUpdate(cs game.ClientState) Message {
	return Message{Kind: KindClientUpdate, State: cs}
}

// NewGameStateUpdate builds a GameStateUpdate carrying the full snapshot.
func NewGameStateUpdate(states []game.ClientState) Message {
	return Message{Kind: KindGameStateUpdate, States: states}
}

// PayloadSize returns the encoded payload length for m.
func (m Message) PayloadSize() int {
	switch m.Kind {
	case KindText:
		return len(m.Text)
	case KindClientUpdate:
		return game.StateWireSize
	case KindGameStateUpdate:
		return len(m.States) * game.StateWireSize
	}
	return 0
}
