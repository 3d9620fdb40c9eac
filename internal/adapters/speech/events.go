package speech

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
)

// Utterance is the data of an ai_utterance event.
type Utterance struct {
	Text     string `json:"text"`
	Duration int64  `json:"durationMs"`
}

// EventPlayback "speaks" by publishing the text to UI subscribers and
// waiting for the estimated speaking time.
type EventPlayback struct {
	Interview      domain.InterviewID
	Events         core.EventPublisher
	Clock          clock.Clock
	WordsPerMinute int
}

var _ core.SpeechPlayback = (*EventPlayback)(nil)

func (p *EventPlayback) Play(ctx context.Context, text string) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	d := SpokenDuration(text, p.WordsPerMinute)
	if p.Events != nil {
		p.Events.Publish(domain.SessionEvent{
			Interview: p.Interview,
			Type:      domain.EventAIUtterance,
			Data:      Utterance{Text: text, Duration: d.Milliseconds()},
			At:        clk.Now(),
		})
	}
	return wait(ctx, clk, d)
}
