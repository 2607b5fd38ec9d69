package main

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Client -> Server message types
const (
	MsgClick = "click"
)

// PlayerID identifies one connection for its lifetime
type PlayerID uint16

// Color is an RGB triple, encoded as [r,g,b]
type Color [3]uint8

// Position is a grid coordinate
type Position struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// Square is an owned grid cell
type Square struct {
	Owner  PlayerID `json:"owner"`
	Number uint8    `json:"number"`
}

// GameConfig is sent to clients on login
type GameConfig struct {
	Size      uint32 `json:"size"`
	MaxNumber uint8  `json:"max_number"`
}

// InBounds reports whether pos lies on the grid
func (c GameConfig) InBounds(pos Position) bool {
	return pos.X < c.Size && pos.Y < c.Size
}

// SquareChange is a diff record: either Removed or Owned{owner, number}.
// The zero value is Removed.
type SquareChange struct {
	owned  bool
	square Square
}

// Removed returns the change for a cell that lost its owner
func Removed() SquareChange {
	return SquareChange{}
}

// Owned returns the change for a cell that is now sq
func Owned(sq Square) SquareChange {
	return SquareChange{owned: true, square: sq}
}

// Square returns the new square and true, or false when the cell was removed
func (c SquareChange) Square() (Square, bool) {
	return c.square, c.owned
}

func (c SquareChange) String() string {
	if !c.owned {
		return "removed"
	}
	return fmt.Sprintf("owned(%d,%d)", c.square.Owner, c.square.Number)
}

// squareChangeWire is the {id: id|null, number} form clients read
type squareChangeWire struct {
	ID     *PlayerID `json:"id"`
	Number uint8     `json:"number"`
}

func (c SquareChange) wire() squareChangeWire {
	if !c.owned {
		return squareChangeWire{}
	}
	owner := c.square.Owner
	return squareChangeWire{ID: &owner, Number: c.square.Number}
}

func (w squareChangeWire) change() SquareChange {
	if w.ID == nil {
		return Removed()
	}
	return Owned(Square{Owner: *w.ID, Number: w.Number})
}

func (c SquareChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wire())
}

func (c *SquareChange) UnmarshalJSON(b []byte) error {
	var w squareChangeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = w.change()
	return nil
}

func (c SquareChange) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(c.wire())
}

func (c *SquareChange) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w squareChangeWire
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*c = w.change()
	return nil
}

func (c Color) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode([]uint{uint(c[0]), uint(c[1]), uint(c[2])})
}

func (c *Color) DecodeMsgpack(dec *msgpack.Decoder) error {
	var v []uint
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("color: want 3 components, got %d", len(v))
	}
	for i, x := range v {
		if x > 255 {
			return fmt.Errorf("color: component %d out of range: %d", i, x)
		}
		c[i] = uint8(x)
	}
	return nil
}

// PlayerEntry is encoded as the tuple [id, color]
type PlayerEntry struct {
	ID    PlayerID
	Color Color
}

// SquareEntry is encoded as the tuple [position, square]
type SquareEntry struct {
	Pos    Position
	Square Square
}

// ChangeEntry is encoded as the tuple [position, change]
type ChangeEntry struct {
	Pos    Position
	Change SquareChange
}

func (e PlayerEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ID, e.Color})
}

func (e *PlayerEntry) UnmarshalJSON(b []byte) error {
	return unmarshalPair(b, &e.ID, &e.Color)
}

func (e PlayerEntry) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodePair(enc, e.ID, e.Color)
}

func (e *PlayerEntry) DecodeMsgpack(dec *msgpack.Decoder) error {
	return decodePair(dec, &e.ID, &e.Color)
}

func (e SquareEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Pos, e.Square})
}

func (e *SquareEntry) UnmarshalJSON(b []byte) error {
	return unmarshalPair(b, &e.Pos, &e.Square)
}

func (e SquareEntry) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodePair(enc, e.Pos, e.Square)
}

func (e *SquareEntry) DecodeMsgpack(dec *msgpack.Decoder) error {
	return decodePair(dec, &e.Pos, &e.Square)
}

func (e ChangeEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Pos, e.Change})
}

func (e *ChangeEntry) UnmarshalJSON(b []byte) error {
	return unmarshalPair(b, &e.Pos, &e.Change)
}

func (e ChangeEntry) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodePair(enc, e.Pos, e.Change)
}

func (e *ChangeEntry) DecodeMsgpack(dec *msgpack.Decoder) error {
	return decodePair(dec, &e.Pos, &e.Change)
}

func unmarshalPair(b []byte, first, second any) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("want a 2-tuple, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], first); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], second)
}

func encodePair(enc *msgpack.Encoder, first, second any) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.Encode(first); err != nil {
		return err
	}
	return enc.Encode(second)
}

func decodePair(dec *msgpack.Decoder, first, second any) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("want a 2-tuple, got %d elements", n)
	}
	if err := dec.Decode(first); err != nil {
		return err
	}
	return dec.Decode(second)
}

// Snapshot is the full state sent on login
type Snapshot struct {
	Players []PlayerEntry `json:"players"`
	Squares []SquareEntry `json:"squares"`
}

// LoginMsg is sent once to a player right after joining
type LoginMsg struct {
	ID         PlayerID   `json:"id"`
	Color      Color      `json:"color"`
	SpawnPoint Position   `json:"spawn_point"`
	Config     GameConfig `json:"config"`
	Snapshot   Snapshot   `json:"snapshot"`
}

// PlayerJoinMsg is broadcast to existing players when someone joins
type PlayerJoinMsg struct {
	PlayerJoin PlayerEntry `json:"player_join"`
}

// PlayerLeaveMsg is broadcast when a player is removed
type PlayerLeaveMsg struct {
	LeftID PlayerID `json:"left_id"`
}

// TickMsg carries one tick's diff
type TickMsg struct {
	Changes []ChangeEntry `json:"changes"`
}

// InEnvelope is the client message wrapper. Pointer/raw fields let the
// session tell a missing key apart from a zero value.
type InEnvelope struct {
	Type *string         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ClickMsg is the data of a "click" message
type ClickMsg struct {
	Position *struct {
		X *uint32 `json:"x"`
		Y *uint32 `json:"y"`
	} `json:"position"`
}
