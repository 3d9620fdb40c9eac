package domain

import (
	"errors"
	"time"
)

type Speaker string

const (
	SpeakerAI        Speaker = "ai"
	SpeakerCandidate Speaker = "candidate"
)

// Phase is a server-assigned stage label. Unknown values are kept as is.
type Phase string

const (
	PhaseOpening Phase = "opening"
	PhaseProbing Phase = "probing"
	PhaseClosing Phase = "closing"
	PhaseEnded   Phase = "ended"
)

type ConversationTurn struct {
	Role      Speaker        `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Analysis  map[string]any `json:"analysis,omitempty"`
}

// TurnResult is the AI endpoint reply to a candidate response.
type TurnResult struct {
	AIText         string         `json:"aiResponse"`
	Phase          Phase          `json:"interviewPhase"`
	ShouldContinue bool           `json:"shouldContinue"`
	Analysis       map[string]any `json:"analysis,omitempty"`
}

type LiveAIStart struct {
	SessionID       string `json:"sessionId"`
	OpeningQuestion string `json:"openingQuestion"`
}

type Summary struct {
	Text  string         `json:"text,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

var ErrTurnOutOfOrder = errors.New("turn timestamp goes backwards")

// Transcript is an append-only, timestamp-ordered turn log.
// Appended turns are never mutated; Turns returns a copy.
type Transcript struct {
	turns []ConversationTurn
}

func (t *Transcript) Append(turn ConversationTurn) error {
	if n := len(t.turns); n > 0 && turn.Timestamp.Before(t.turns[n-1].Timestamp) {
		return ErrTurnOutOfOrder
	}
	t.turns = append(t.turns, turn)
	return nil
}

func (t *Transcript) Len() int { return len(t.turns) }

func (t *Transcript) Turns() []ConversationTurn {
	out := make([]ConversationTurn, len(t.turns))
	copy(out, t.turns)
	return out
}
