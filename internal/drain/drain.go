// Package drain tracks graceful shutdown of the bridge.
package drain

import (
	"context"
	"sync/atomic"
	"time"
)

// State reports whether the process stopped taking new work.
type State struct {
	draining atomic.Bool
}

// Start marks the process as draining.
func (s *State) Start() { s.draining.Store(true) }

// Stop clears the draining flag.
func (s *State) Stop() { s.draining.Store(false) }

// IsDraining reports whether draining is in progress. A nil State never drains.
func (s *State) IsDraining() bool { return s != nil && s.draining.Load() }

// Wait polls busy until it reports zero or ctx ends. It reports whether the
// process became idle.
func Wait(ctx context.Context, busy func() int, every time.Duration) bool {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if busy() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
