package signal

import (
	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxRoomIDLen = 128

func (r *Relay) handleJoin(c *wsConn, room domain.RoomID) {
	if room == "" || len(room) > maxRoomIDLen {
		r.sendFrame(c, errorFrame(room, "bad_room"))
		return
	}
	r.mu.Lock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*wsConn]struct{})
	}
	r.rooms[room][c] = struct{}{}
	r.mu.Unlock()

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	log.Info().Str("module", "signal").Str("peer", string(c.identity)).Str("room", string(room)).Msg("join")
}

// handleLeave exits one room and tells the remaining members; the
// connection itself stays open.
func (r *Relay) handleLeave(c *wsConn, room domain.RoomID) {
	if !r.removeMember(c, room) {
		return
	}
	log.Info().Str("module", "signal").Str("peer", string(c.identity)).Str("room", string(room)).Msg("leave")

	msg, err := domain.NewMessage(room, domain.CategoryInterviewStatus, domain.ActionParticipantLeft,
		domain.ParticipantLeftPayload{ParticipantID: c.identity})
	if err != nil {
		return
	}
	msg.SenderID = c.identity
	r.broadcast(c, newFrame(OpMessage, msg))
}

func (r *Relay) handlePublish(c *wsConn, f Frame) {
	if !r.isMember(c, f.RoomID) {
		r.sendFrame(c, errorFrame(f.RoomID, "not_joined"))
		return
	}
	if r.limiter != nil && !r.limiter.Allow(c.identity) {
		log.Warn().Str("module", "signal").Str("peer", string(c.identity)).Str("action", f.Action).Msg("publish rate limited")
		r.sendFrame(c, errorFrame(f.RoomID, "rate_limited"))
		return
	}
	// The relay stamps the sender; clients cannot speak for others.
	f.SenderID = c.identity
	f.Op = OpMessage
	f.Error = ""

	if to, ok := addressee(f.SignalingMessage); ok {
		r.unicast(c, to, f)
		return
	}
	r.broadcast(c, f)
}

func (r *Relay) broadcast(from *wsConn, f Frame) {
	for _, c := range r.members(f.RoomID) {
		if c != from {
			r.sendFrame(c, f)
		}
	}
}

func (r *Relay) isMember(c *wsConn, room domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][c]
	return ok
}

func (r *Relay) members(room domain.RoomID) []*wsConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*wsConn, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (r *Relay) removeMember(c *wsConn, room domain.RoomID) bool {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if ok {
		_, ok = members[c]
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()

	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	return ok
}

// dropConn removes a closed connection from every room silently: the peer
// may be reconnecting and will rejoin.
func (r *Relay) dropConn(c *wsConn) {
	for _, room := range c.joined() {
		r.removeMember(c, room)
	}
	if r.limiter != nil {
		r.limiter.Forget(c.identity)
	}
}
