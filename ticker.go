package main

import (
	"context"
	"time"
)

// RunTicker sends a Tick into inbox every interval. A full inbox delays the
// next tick instead of dropping it. Returns when ctx is done or the inbox is
// closed.
func RunTicker(ctx context.Context, interval time.Duration, inbox *Mailbox[Command]) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := inbox.Send(Tick{}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
