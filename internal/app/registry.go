package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Owner   string
	Session core.InterviewSession
	Cancel  context.CancelFunc
}

type turnEntry struct {
	Turn   core.TurnSession
	Cancel context.CancelFunc
}

// Registry indexes live sessions and AI conversations by interview.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.InterviewID]*sessionEntry
	reserved map[domain.InterviewID]string
	turns    map[domain.InterviewID]*turnEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.InterviewID]*sessionEntry),
		reserved: make(map[domain.InterviewID]string),
		turns:    make(map[domain.InterviewID]*turnEntry),
	}
}

// Reserve claims id for owner while its session is being built. It fails
// when the interview already has a session or a pending reservation.
func (r *Registry) Reserve(id domain.InterviewID, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return false
	}
	if _, ok := r.reserved[id]; ok {
		return false
	}
	r.reserved[id] = owner
	return true
}

// Release drops owner's reservation of id without binding a session.
func (r *Registry) Release(id domain.InterviewID, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved[id] == owner {
		delete(r.reserved, id)
	}
}

// BindSession stores sess, consuming any reservation, and unbinds it once
// it is done.
func (r *Registry) BindSession(owner string, sess core.InterviewSession, cancel context.CancelFunc) {
	id := sess.ID()
	r.mu.Lock()
	delete(r.reserved, id)
	r.sessions[id] = &sessionEntry{Owner: owner, Session: sess, Cancel: cancel}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("interview", string(id)).Str("owner", owner).Msg("bound session")

	go func() {
		<-sess.Done()
		r.unbindSession(id, sess)
	}()
}

func (r *Registry) unbindSession(id domain.InterviewID, sess core.InterviewSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.Session == sess {
		delete(r.sessions, id)
		log.Info().Str("module", "app.registry").Str("interview", string(id)).Msg("unbind session")
	}
}

func (r *Registry) Session(id domain.InterviewID) (core.InterviewSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Session, true
	}
	return nil, false
}

// SessionOf returns the session only when owner bound it.
func (r *Registry) SessionOf(id domain.InterviewID, owner string) (core.InterviewSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok && e.Owner == owner {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) BindTurn(id domain.InterviewID, turn core.TurnSession, cancel context.CancelFunc) {
	r.mu.Lock()
	r.turns[id] = &turnEntry{Turn: turn, Cancel: cancel}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("interview", string(id)).Msg("bound turn controller")

	go func() {
		<-turn.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if e, ok := r.turns[id]; ok && e.Turn == turn {
			delete(r.turns, id)
		}
	}()
}

func (r *Registry) Turn(id domain.InterviewID) (core.TurnSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.turns[id]; ok {
		return e.Turn, true
	}
	return nil, false
}

// List returns snapshots of every live session ordered by interview id.
func (r *Registry) List() []domain.SessionSnapshot {
	r.mu.RLock()
	out := make([]domain.SessionSnapshot, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelAll cancels every bound session and conversation.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.sessions {
		if e.Cancel != nil {
			e.Cancel()
		}
		log.Info().Str("module", "app.registry").Str("interview", string(id)).Msg("canceled session")
	}
	for _, e := range r.turns {
		if e.Cancel != nil {
			e.Cancel()
		}
	}
}
