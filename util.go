package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sort"
)

// newRand returns a PCG source seeded from crypto/rand
func newRand() *rand.Rand {
	var seed [16]byte
	crand.Read(seed[:])
	return rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(seed[:8]),
		binary.LittleEndian.Uint64(seed[8:]),
	))
}

// randomColor picks a uniformly random RGB colour
func randomColor(rng *rand.Rand) Color {
	v := rng.Uint32()
	return Color{uint8(v), uint8(v >> 8), uint8(v >> 16)}
}

func sortPlayerEntries(entries []PlayerEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
