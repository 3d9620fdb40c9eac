// Package turn runs the AI-driven conversational loop: capture, submit,
// respond, speak, then continue or end.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/app/timer"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGraceDelay      = 3 * time.Second
	defaultCompleteTimeout = 10 * time.Second
)

type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// GraceDelay separates the final AI utterance from the completion call.
	GraceDelay      time.Duration
	CompleteTimeout time.Duration
}

// Controller tracks one AI conversation. At most one submission is in
// flight; a final response schedules exactly one completion.
type Controller struct {
	id       domain.InterviewID
	ai       core.LiveAI
	playback core.SpeechPlayback
	clock    clock.Clock
	metrics  *metrics.Metrics
	grace    time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	// ctx bounds playback; cancelled once the conversation ends.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	started    bool
	inFlight   bool
	closing    bool
	finishing  bool
	ended      bool
	phase      domain.Phase
	transcript domain.Transcript
	speaking   <-chan struct{}
	deadline   *timer.Deadline
	summary    domain.Summary
	finishErr  error
}

var _ core.TurnSession = (*Controller)(nil)

func New(id domain.InterviewID, ai core.LiveAI, playback core.SpeechPlayback, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = DefaultGraceDelay
	}
	if opts.CompleteTimeout <= 0 {
		opts.CompleteTimeout = defaultCompleteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:       id,
		ai:       ai,
		playback: playback,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		grace:    opts.GraceDelay,
		timeout:  opts.CompleteTimeout,
		logger:   log.With().Str("module", "turn").Str("interview", string(id)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		speaking: closedChan(),
	}
}

// Start opens the conversation and speaks the opening question.
func (c *Controller) Start(ctx context.Context) (domain.LiveAIStart, error) {
	c.mu.Lock()
	if c.ended || c.finishing {
		c.mu.Unlock()
		return domain.LiveAIStart{}, domain.ErrSessionEnded
	}
	if c.started {
		c.mu.Unlock()
		return domain.LiveAIStart{}, domain.NewOpError("turn start", domain.ErrInvalidState, "already started")
	}
	c.started = true
	c.mu.Unlock()

	start, err := c.ai.StartLiveAI(ctx, c.id)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return domain.LiveAIStart{}, fmt.Errorf("start live ai: %w", err)
	}

	c.mu.Lock()
	c.phase = domain.PhaseOpening
	c.appendLocked(domain.SpeakerAI, start.OpeningQuestion, nil)
	c.speaking = c.speak(start.OpeningQuestion)
	c.mu.Unlock()

	c.logger.Info().Str("session", start.SessionID).Msg("live ai started")
	return start, nil
}

// Submit sends one candidate answer. A second call while one is pending
// fails with domain.ErrConcurrentSubmission and leaves the pending one alone.
func (c *Controller) Submit(ctx context.Context, text string, metadata map[string]any) (domain.TurnResult, error) {
	res, _, err := c.submit(ctx, text, metadata)
	return res, err
}

func (c *Controller) submit(ctx context.Context, text string, metadata map[string]any) (domain.TurnResult, <-chan struct{}, error) {
	c.mu.Lock()
	switch {
	case c.ended || c.closing || c.finishing:
		c.mu.Unlock()
		return domain.TurnResult{}, nil, domain.ErrSessionEnded
	case !c.started:
		c.mu.Unlock()
		return domain.TurnResult{}, nil, domain.NewOpError("turn submit", domain.ErrInvalidState, "not started")
	case c.inFlight:
		c.mu.Unlock()
		c.count("rejected")
		return domain.TurnResult{}, nil, domain.ErrConcurrentSubmission
	}
	c.inFlight = true
	// The answer joins the transcript only with its response, so a failed
	// call can be retried without duplicating it.
	answeredAt := c.clock.Now()
	c.mu.Unlock()

	res, err := c.ai.RespondLiveAI(ctx, c.id, text, metadata)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if err != nil {
		c.count("error")
		return domain.TurnResult{}, nil, fmt.Errorf("live ai response: %w", err)
	}
	if c.ended || c.finishing {
		c.logger.Info().Msg("response arrived after the conversation ended")
		return res, closedChan(), nil
	}

	c.appendAtLocked(domain.SpeakerCandidate, text, nil, answeredAt)
	c.appendLocked(domain.SpeakerAI, res.AIText, res.Analysis)
	if res.Phase != "" {
		c.phase = res.Phase
	}
	c.speaking = c.speak(res.AIText)
	if !res.ShouldContinue {
		c.count("final")
		c.closing = true
		c.scheduleCompleteLocked(c.speaking)
		c.logger.Info().Str("phase", string(res.Phase)).Dur("grace", c.grace).Msg("final response, completion scheduled")
	} else {
		c.count("ok")
	}
	return res, c.speaking, nil
}

// scheduleCompleteLocked arms the single completion after the grace delay.
// Completion also waits for the final utterance to finish playing.
func (c *Controller) scheduleCompleteLocked(speaking <-chan struct{}) {
	c.deadline = timer.After(c.clock, c.grace, func() {
		select {
		case <-speaking:
		case <-c.ctx.Done():
		}
		if _, err := c.finish("grace"); err != nil {
			c.logger.Warn().Err(err).Msg("complete live ai")
		}
	})
}

// End terminates the conversation immediately regardless of phase.
func (c *Controller) End(ctx context.Context, by string) (domain.Summary, error) {
	c.mu.Lock()
	if c.ended {
		summary := c.summary
		c.mu.Unlock()
		return summary, nil
	}
	c.deadline.Stop()
	c.mu.Unlock()

	c.cancel()
	c.logger.Info().Str("ended_by", by).Msg("conversation ended manually")
	type outcome struct {
		summary domain.Summary
		err     error
	}
	out := make(chan outcome, 1)
	go func() {
		s, err := c.finish(by)
		out <- outcome{s, err}
	}()
	select {
	case o := <-out:
		return o.summary, o.err
	case <-ctx.Done():
		return domain.Summary{}, ctx.Err()
	}
}

// finish calls CompleteLiveAI exactly once; concurrent callers wait for it.
func (c *Controller) finish(reason string) (domain.Summary, error) {
	c.mu.Lock()
	if c.finishing {
		c.mu.Unlock()
		<-c.done
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.summary, c.finishErr
	}
	c.finishing = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	summary, err := c.ai.CompleteLiveAI(ctx, c.id)
	if err != nil {
		err = fmt.Errorf("complete live ai: %w", err)
	}

	c.mu.Lock()
	c.summary = summary
	c.finishErr = err
	c.ended = true
	c.phase = domain.PhaseEnded
	c.mu.Unlock()
	c.cancel()
	close(c.done)
	c.logger.Info().Str("reason", reason).Bool("ok", err == nil).Msg("conversation completed")
	return summary, err
}

// Run drives capture, submit and playback until the conversation ends.
// A capture returning io.EOF ends the conversation on the candidate's side.
func (c *Controller) Run(ctx context.Context, capture core.SpeechCapture) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		if _, err := c.Start(ctx); err != nil {
			return err
		}
	}

	speaking := c.currentSpeech()
	for {
		select {
		case <-speaking:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

		u, err := capture.Capture(ctx)
		if errors.Is(err, io.EOF) {
			_, err = c.End(ctx, string(domain.SpeakerCandidate))
			return err
		}
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		if strings.TrimSpace(u.Text) == "" {
			continue
		}

		res, next, err := c.submit(ctx, u.Text, u.Metadata)
		if errors.Is(err, domain.ErrSessionEnded) {
			return nil
		}
		if err != nil {
			return err
		}
		if !res.ShouldContinue {
			select {
			case <-c.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		speaking = next
	}
}

// speak plays text in the background; the channel closes when it is done.
func (c *Controller) speak(text string) <-chan struct{} {
	if c.playback == nil || text == "" {
		return closedChan()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.playback.Play(c.ctx, text); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Msg("playback")
		}
	}()
	return done
}

func (c *Controller) currentSpeech() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

func (c *Controller) appendLocked(role domain.Speaker, text string, analysis map[string]any) {
	c.appendAtLocked(role, text, analysis, c.clock.Now())
}

func (c *Controller) appendAtLocked(role domain.Speaker, text string, analysis map[string]any, at time.Time) {
	turn := domain.ConversationTurn{Role: role, Content: text, Timestamp: at, Analysis: analysis}
	if err := c.transcript.Append(turn); err != nil {
		// Clock went backwards; keep order by reusing the last timestamp.
		last := c.transcript.Turns()[c.transcript.Len()-1]
		turn.Timestamp = last.Timestamp
		_ = c.transcript.Append(turn)
		c.logger.Warn().Err(err).Msg("turn timestamp clamped")
	}
}

func (c *Controller) count(result string) {
	if c.metrics != nil {
		c.metrics.TurnSubmissions.WithLabelValues(result).Inc()
	}
}

func (c *Controller) Transcript() []domain.ConversationTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Turns()
}

func (c *Controller) Phase() domain.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Controller) Done() <-chan struct{} { return c.done }

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
