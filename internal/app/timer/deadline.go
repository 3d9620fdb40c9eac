// Package timer holds cancellable deadlines driven by an injectable clock.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Deadline runs fn once after d unless stopped first.
// Stop after the callback started reports false and has no effect.
type Deadline struct {
	mu      sync.Mutex
	timer   *clock.Timer
	done    bool
	fired   bool
	stopped bool
}

func After(c clock.Clock, d time.Duration, fn func()) *Deadline {
	dl := &Deadline{}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.timer = c.AfterFunc(d, func() {
		dl.mu.Lock()
		if dl.done {
			dl.mu.Unlock()
			return
		}
		dl.done = true
		dl.fired = true
		dl.mu.Unlock()
		fn()
	})
	return dl
}

// Stop cancels the deadline. It reports whether the callback was prevented.
func (dl *Deadline) Stop() bool {
	if dl == nil {
		return false
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.done {
		return false
	}
	dl.done = true
	dl.stopped = true
	dl.timer.Stop()
	return true
}

func (dl *Deadline) Fired() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.fired
}

func (dl *Deadline) Stopped() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.stopped
}
