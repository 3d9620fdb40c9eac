package core

import (
	"sync"

	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog/log"
)

// rosterImpl is a threadsafe in-memory roster.
type rosterImpl struct {
	room  domain.RoomID
	self  domain.UserID
	mu    sync.RWMutex
	byID  map[domain.UserID]domain.Participant
	order []domain.UserID
}

func NewRoster(room domain.RoomID, self domain.Participant) Roster {
	return &rosterImpl{
		room:  room,
		self:  self.ID(),
		byID:  map[domain.UserID]domain.Participant{self.ID(): self},
		order: []domain.UserID{self.ID()},
	}
}

func (r *rosterImpl) Self() domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[r.self]
}

func (r *rosterImpl) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *rosterImpl) Get(id domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

func (r *rosterImpl) Add(p domain.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.byID[p.ID()]
	if known && p.ID() == r.self {
		return false
	}
	r.byID[p.ID()] = p
	if !known {
		r.order = append(r.order, p.ID())
		log.Info().Str("module", "core.roster").Str("room", string(r.room)).Str("peer", string(p.ID())).Str("role", string(p.Role)).Msg("participant added")
	}
	return !known
}

func (r *rosterImpl) Remove(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.self {
		return false
	}
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "core.roster").Str("room", string(r.room)).Str("peer", string(id)).Msg("participant removed")
	return true
}

func (r *rosterImpl) SetStatus(id domain.UserID, status domain.ConnectionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok || p.ConnectionStatus == status {
		return false
	}
	p.ConnectionStatus = status
	r.byID[id] = p
	return true
}

func (r *rosterImpl) SetSelfMedia(m domain.MediaEnabled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.byID[r.self]
	p.MediaEnabled = m
	r.byID[r.self] = p
}

func (r *rosterImpl) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *rosterImpl) Remote() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.order))
	for _, id := range r.order {
		if id != r.self {
			out = append(out, id)
		}
	}
	return out
}
