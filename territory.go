package main

import (
	"math/rand/v2"
	"sort"
)

// maxSpawnAttempts bounds the random search for a free spawn cell
const maxSpawnAttempts = 100

// UnownedPolicy decides what a click on an unowned cell does
type UnownedPolicy uint8

const (
	// IgnoreUnowned drops clicks on cells nobody owns
	IgnoreUnowned UnownedPolicy = iota
	// ClaimUnowned gives the clicked cell to the player with count 1
	ClaimUnowned
)

func (p UnownedPolicy) String() string {
	if p == ClaimUnowned {
		return "claim"
	}
	return "ignore"
}

// ClickOutcome describes what a single click did
type ClickOutcome uint8

const (
	ClickIgnored ClickOutcome = iota // unowned cell, or off the grid
	ClickRejected                    // owned by someone else
	ClickIncremented
	ClickExpanded
	ClickClaimed
)

// ClickResult is returned by Board.Click
type ClickResult struct {
	Outcome    ClickOutcome
	Explosions int // squares that overflowed, including cascades
}

// Squares is the sparse grid; a missing key means unowned
type Squares map[Position]Square

// Changes accumulates the diff of the current tick, last write wins
type Changes map[Position]SquareChange

// Board holds the grid and the pending diff. It does no I/O and is not safe
// for concurrent use; the Game actor is its only user.
type Board struct {
	cfg     GameConfig
	policy  UnownedPolicy
	squares Squares
	changes Changes
}

// NewBoard creates an empty board
func NewBoard(cfg GameConfig, policy UnownedPolicy) *Board {
	return &Board{
		cfg:     cfg,
		policy:  policy,
		squares: make(Squares),
		changes: make(Changes),
	}
}

// Config returns the board's configuration
func (b *Board) Config() GameConfig {
	return b.cfg
}

// Square returns the square at pos, if owned
func (b *Board) Square(pos Position) (Square, bool) {
	sq, ok := b.squares[pos]
	return sq, ok
}

// Len returns the number of owned squares
func (b *Board) Len() int {
	return len(b.squares)
}

// PendingChanges returns the number of undrained diff entries
func (b *Board) PendingChanges() int {
	return len(b.changes)
}

func (b *Board) set(pos Position, sq Square) {
	b.squares[pos] = sq
	b.changes[pos] = Owned(sq)
}

func (b *Board) remove(pos Position) {
	delete(b.squares, pos)
	b.changes[pos] = Removed()
}

// Click applies one click by player at pos
func (b *Board) Click(player PlayerID, pos Position) ClickResult {
	sq, ok := b.squares[pos]
	if !ok {
		if b.policy == ClaimUnowned && b.cfg.InBounds(pos) {
			b.set(pos, Square{Owner: player, Number: 1})
			return ClickResult{Outcome: ClickClaimed}
		}
		return ClickResult{Outcome: ClickIgnored}
	}
	if sq.Owner != player {
		return ClickResult{Outcome: ClickRejected}
	}
	if int(sq.Number)+1 > int(b.cfg.MaxNumber) {
		return ClickResult{Outcome: ClickExpanded, Explosions: b.Expand(pos)}
	}
	sq.Number++
	b.set(pos, sq)
	return ClickResult{Outcome: ClickIncremented}
}

// expandFrame is one pending expansion: the owner taking over and the
// neighbours still to visit
type expandFrame struct {
	owner     PlayerID
	neighbors [4]Position
	n, next   int
}

// Expand explodes the square at pos and every square that overflows as a
// result. Neighbours are visited depth-first in adjacent() order, the same
// order a recursive implementation would use. It returns the number of
// squares that exploded.
//
// Cascades always settle when MaxNumber is at least 4. Smaller values can
// cycle forever on a crowded board.
//
// Expand panics if pos is not owned.
func (b *Board) Expand(pos Position) int {
	stack := []expandFrame{b.explode(pos)}
	explosions := 1
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == top.n {
			stack = stack[:len(stack)-1]
			continue
		}
		np := top.neighbors[top.next]
		top.next++
		owner := top.owner

		sq, ok := b.squares[np]
		if !ok {
			b.set(np, Square{Owner: owner, Number: 1})
			continue
		}
		if int(sq.Number)+1 > int(b.cfg.MaxNumber) {
			b.squares[np] = Square{Owner: owner, Number: sq.Number}
			stack = append(stack, b.explode(np))
			explosions++
			continue
		}
		b.set(np, Square{Owner: owner, Number: sq.Number + 1})
	}
	return explosions
}

func (b *Board) explode(pos Position) expandFrame {
	origin, ok := b.squares[pos]
	if !ok {
		panic("territory: expanding unowned square")
	}
	b.remove(pos)
	f := expandFrame{owner: origin.Owner}
	for _, np := range adjacent(b.cfg, pos) {
		f.neighbors[f.n] = np
		f.n++
	}
	return f
}

// adjacent returns the in-bounds neighbours of pos in the order west,
// north, east, south. Unsigned wraparound below zero lands far outside the
// grid and is filtered with the upper bound check.
func adjacent(cfg GameConfig, pos Position) []Position {
	candidates := [4]Position{
		{X: pos.X - 1, Y: pos.Y},
		{X: pos.X, Y: pos.Y - 1},
		{X: pos.X + 1, Y: pos.Y},
		{X: pos.X, Y: pos.Y + 1},
	}
	out := make([]Position, 0, 4)
	for _, p := range candidates {
		if cfg.InBounds(p) {
			out = append(out, p)
		}
	}
	return out
}

// Spawn places a count-1 square for player on a random free cell. It gives
// up after maxSpawnAttempts occupied probes.
func (b *Board) Spawn(player PlayerID, rng *rand.Rand) (Position, bool) {
	if uint64(len(b.squares)) >= uint64(b.cfg.Size)*uint64(b.cfg.Size) {
		return Position{}, false
	}
	for i := 0; i < maxSpawnAttempts; i++ {
		pos := Position{
			X: uint32(rng.Uint64N(uint64(b.cfg.Size))),
			Y: uint32(rng.Uint64N(uint64(b.cfg.Size))),
		}
		if _, taken := b.squares[pos]; taken {
			continue
		}
		b.set(pos, Square{Owner: player, Number: 1})
		return pos, true
	}
	return Position{}, false
}

// Release removes every square owned by player and returns how many there were
func (b *Board) Release(player PlayerID) int {
	n := 0
	for pos, sq := range b.squares {
		if sq.Owner == player {
			b.remove(pos)
			n++
		}
	}
	return n
}

// DrainChanges empties the pending diff, ordered by row then column
func (b *Board) DrainChanges() []ChangeEntry {
	if len(b.changes) == 0 {
		return nil
	}
	out := make([]ChangeEntry, 0, len(b.changes))
	for pos, c := range b.changes {
		out = append(out, ChangeEntry{Pos: pos, Change: c})
	}
	clear(b.changes)
	sort.Slice(out, func(i, j int) bool { return positionLess(out[i].Pos, out[j].Pos) })
	return out
}

// Snapshot copies every owned square, ordered by row then column
func (b *Board) Snapshot() []SquareEntry {
	out := make([]SquareEntry, 0, len(b.squares))
	for pos, sq := range b.squares {
		out = append(out, SquareEntry{Pos: pos, Square: sq})
	}
	sort.Slice(out, func(i, j int) bool { return positionLess(out[i].Pos, out[j].Pos) })
	return out
}

func positionLess(a, b Position) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}
