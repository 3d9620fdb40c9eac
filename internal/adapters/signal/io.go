package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (r *Relay) writePump(c *wsConn) {
	ticker := time.NewTicker(r.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("peer", string(c.identity)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("peer", string(c.identity)).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.identity)).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

func (r *Relay) readPump(c *wsConn) {
	defer func() {
		r.dropConn(c)
		c.Close()
		log.Info().Str("module", "signal").Str("peer", string(c.identity)).Msg("readPump closing")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * r.opts.PingPeriod))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * r.opts.PingPeriod))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.identity)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * r.opts.PingPeriod))
		r.handleFrame(c, data)
	}
}

func (r *Relay) handleFrame(c *wsConn, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		r.sendFrame(c, errorFrame("", "bad_payload"))
		return
	}

	switch f.Op {
	case OpJoin:
		r.handleJoin(c, f.RoomID)
	case OpLeave:
		r.handleLeave(c, f.RoomID)
	case OpPublish:
		r.handlePublish(c, f)
	case OpPing:
		r.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("op", f.Op).Msg("unknown op")
		r.sendFrame(c, errorFrame(f.RoomID, "unknown_op"))
	}
}
