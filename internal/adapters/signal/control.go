package signal

// handlePing answers the application-level keepalive used by browser clients,
// which cannot send websocket control frames.
func (r *Relay) handlePing(c *wsConn) {
	r.sendFrame(c, Frame{Op: OpPong})
}
