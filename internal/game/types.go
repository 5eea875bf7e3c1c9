package game

import "sort"

// Position is a world-space location in integer units.
type Position struct {
	X, Y, Z int32
}

// Rotation is a yaw angle. Pitch and roll are not part of the protocol.
type Rotation int32

// Transform combines a position and a yaw rotation.
type Transform struct {
	Position Position
	Rotation Rotation
}

// NewTransform builds a transform from both components.
func NewTransform(p Position, r Rotation) Transform { return Transform{Position: p, Rotation: r} }

// TransformAt builds a transform with the given position and zero rotation.
func TransformAt(p Position) Transform { return Transform{Position: p} }

// TransformFacing builds a transform with the given rotation and zero position.
func TransformFacing(r Rotation) Transform { return Transform{Rotation: r} }

// ZeroTransform is the origin with zero yaw.
func ZeroTransform() Transform { return Transform{} }

// StateWireSize is the encoded size of one ClientState record:
// id(u32), x(i32), y(i32), z(i32), rot(i32), all big-endian.
const StateWireSize = 20

// ClientState is the authoritative per-client record. Identity is the ID
// alone; the transform is free to change for the lifetime of a connection
// while the ID never does.
type ClientState struct {
	ID       uint32
	Position Position
	Rotation Rotation
}

// NewClientState returns a state for id at the origin.
func NewClientState(id uint32) ClientState { return ClientState{ID: id} }

// Transform returns the state's transform component.
func (c ClientState) Transform() Transform {
	return Transform{Position: c.Position, Rotation: c.Rotation}
}

// SetTransform overwrites the transform component, leaving ID untouched.
func (c *ClientState) SetTransform(t Transform) {
	c.Position = t.Position
	c.Rotation = t.Rotation
}

// stateCapacityHint sizes the client map for the common small-session case.
const stateCapacityHint = 32

// State is the aggregated world snapshot: one ClientState per connected
// client, keyed by ID. The server owns the authoritative instance; each
// client rebuilds a local copy from broadcasts.
type State struct {
	clients map[uint32]ClientState
}

// NewState returns an empty world state.
func NewState() *State {
	return &State{clients: make(map[uint32]ClientState, stateCapacityHint)}
}

// Put inserts or overwrites the entry for cs.ID.
func (s *State) Put(cs ClientState) { s.clients[cs.ID] = cs }

// Get returns the entry for id if present.
func (s *State) Get(id uint32) (ClientState, bool) {
	cs, ok := s.clients[id]
	return cs, ok
}

// Remove deletes the entry for id and reports whether it existed.
func (s *State) Remove(id uint32) bool {
	_, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	return ok
}

// Len returns the number of tracked clients.
func (s *State) Len() int { return len(s.clients) }

// Snapshot returns all entries ordered by ID.
func (s *State) Snapshot() []ClientState {
	out := make([]ClientState, 0, len(s.clients))
	for _, cs := range s.clients {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps the whole snapshot in, as a client does when applying a
// received world broadcast.
func (s *State) Replace(states []ClientState) {
	clear(s.clients)
	for _, cs := range states {
		s.clients[cs.ID] = cs
	}
}
