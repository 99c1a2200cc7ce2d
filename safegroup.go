package dumpagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs fn in an errgroup goroutine and restarts it with
// exponential backoff when it panics, so a crash in the crash monitor or the
// coordinator loop does not take the agent down. Returned errors keep
// errgroup semantics; ctx cancellation stops the restart loop.
//
// Panics are reported on stderr rather than through the structured logger,
// since the logger itself may be the thing that panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			if ctx != nil && ctx.Err() != nil {
				return nil
			}
			err, panicked := runRecovered(ctx, name, fn)
			if !panicked {
				return err
			}
			time.Sleep(backoff)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func runRecovered(ctx context.Context, name string, fn func(context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
		}
	}()
	return fn(ctx), false
}
