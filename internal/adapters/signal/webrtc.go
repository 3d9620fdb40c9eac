package signal

import (
	"encoding/json"

	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog/log"
)

// addressee reports the target of a negotiation message. Offers, answers
// and candidates name one peer in payload.to and go only to it.
func addressee(msg domain.SignalingMessage) (domain.UserID, bool) {
	if msg.Category != domain.CategorySignal {
		return "", false
	}
	switch msg.Action {
	case domain.ActionWebRTCOffer, domain.ActionWebRTCAnswer, domain.ActionWebRTCICE:
	default:
		return "", false
	}
	var p struct {
		To domain.UserID `json:"to"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.To == "" {
		return "", false
	}
	return p.To, true
}

func (r *Relay) unicast(from *wsConn, to domain.UserID, f Frame) {
	delivered := false
	for _, c := range r.members(f.RoomID) {
		if c != from && c.identity == to {
			r.sendFrame(c, f)
			delivered = true
		}
	}
	if !delivered {
		log.Debug().Str("module", "signal").Str("peer", string(to)).Str("action", f.Action).Msg("negotiation addressee not in room")
	}
}
