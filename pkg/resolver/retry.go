package resolver

import (
	"context"
	"time"
)

// sleepOrCancel waits delayMS milliseconds, returning early with ctx.Err()
// if the context is canceled first.
func sleepOrCancel(ctx context.Context, delayMS int) error {
	timer := time.NewTimer(time.Duration(delayMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
