package main

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// PlayerCommand is an instruction from the game to one session
type PlayerCommand struct {
	Frame *Frame
	Close bool
}

var closeCommand = PlayerCommand{Close: true}

func sendMessage(f *Frame) PlayerCommand {
	return PlayerCommand{Frame: f}
}

// broadcast offers frame to every player's outbox concurrently, so one full
// queue does not hold up the others, and waits for all offers. It returns the
// ids whose outbox was closed, in ascending order.
//
// A failure of the fan-out itself is a bug and panics.
func broadcast(players Players, frame *Frame) []PlayerID {
	if len(players) == 0 {
		return nil
	}
	ids := make([]PlayerID, 0, len(players))
	for id := range players {
		ids = append(ids, id)
	}
	failed := make([]bool, len(ids))

	var eg errgroup.Group
	for i, id := range ids {
		outbox := players[id].outbox
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("deliver to player %d: %v", id, r)
				}
			}()
			if outbox.Send(sendMessage(frame)) != nil {
				failed[i] = true
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		panic("broadcast: " + err.Error())
	}

	var out []PlayerID
	for i, f := range failed {
		if f {
			out = append(out, ids[i])
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
