package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
)

// Backend records interview calls and replays scripted AI turns.
type Backend struct {
	JoinErr error
	Start   domain.LiveAIStart
	Summary domain.Summary

	// Turns are returned by RespondLiveAI in order; Gate, when set, blocks
	// each response until a value is received. Entered, when set, is told
	// about every response call before it blocks.
	Turns   []domain.TurnResult
	Gate    chan struct{}
	Entered chan struct{}
	// RespondErrs fail the first response calls in order.
	RespondErrs []error

	mu        sync.Mutex
	joins     []core.JoinRequest
	ends      []string
	responses []string
	completes int
}

func (b *Backend) Join(_ context.Context, _ domain.InterviewID, req core.JoinRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins = append(b.joins, req)
	return b.JoinErr
}

func (b *Backend) End(_ context.Context, _ domain.InterviewID, endedBy string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ends = append(b.ends, endedBy)
	return nil
}

func (b *Backend) StartLiveAI(context.Context, domain.InterviewID) (domain.LiveAIStart, error) {
	return b.Start, nil
}

func (b *Backend) RespondLiveAI(ctx context.Context, _ domain.InterviewID, text string, _ map[string]any) (domain.TurnResult, error) {
	if b.Entered != nil {
		b.Entered <- struct{}{}
	}
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return domain.TurnResult{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.RespondErrs) > 0 {
		err := b.RespondErrs[0]
		b.RespondErrs = b.RespondErrs[1:]
		return domain.TurnResult{}, err
	}
	idx := len(b.responses)
	b.responses = append(b.responses, text)
	if idx < len(b.Turns) {
		return b.Turns[idx], nil
	}
	return domain.TurnResult{AIText: "ok", Phase: domain.PhaseProbing, ShouldContinue: true}, nil
}

func (b *Backend) CompleteLiveAI(context.Context, domain.InterviewID) (domain.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completes++
	return b.Summary, nil
}

func (b *Backend) Joins() []core.JoinRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.JoinRequest(nil), b.joins...)
}

func (b *Backend) Ends() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ends...)
}

func (b *Backend) Responses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.responses...)
}

func (b *Backend) Completes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completes
}

// Events collects published session events.
type Events struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (e *Events) Publish(ev domain.SessionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *Events) OfType(typ string) []domain.SessionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.SessionEvent
	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
