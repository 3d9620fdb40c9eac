// Package speech provides SpeechCapture and SpeechPlayback for the turn
// controller: a console pair for the ai command and an event-backed playback
// that hands utterances to UI subscribers.
package speech

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultWordsPerMinute = 160
	minUtterance          = 500 * time.Millisecond
)

// SpokenDuration estimates how long text takes to say at wpm.
func SpokenDuration(text string, wpm int) time.Duration {
	if wpm <= 0 {
		wpm = DefaultWordsPerMinute
	}
	words := len(strings.Fields(text))
	d := time.Duration(words) * time.Minute / time.Duration(wpm)
	if d < minUtterance {
		return minUtterance
	}
	return d
}

// wait blocks for d on clk or until ctx is done.
func wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
