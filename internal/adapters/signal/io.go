package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.Cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop owns the connection after admission. A read error, a missed
// heartbeat, or context cancellation all funnel into the same implicit leave.
func (ctl *Controller) readLoop(ctx context.Context, cancel context.CancelFunc, c *wsConn, sess *session) {
	ws := c.conn
	defer func() {
		log.Info().Str("module", "signal").Str("meeting", string(sess.meeting)).Str("peer", string(sess.peer)).Msg("connection closing")
		cancel()
		ctl.teardown(sess)
	}()

	_ = ws.SetReadDeadline(time.Now().Add(ctl.Cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.Cfg.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("peer", string(sess.peer)).Msg("read error")
				}
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(ctl.Cfg.PongWait))
			ctl.handleFrame(sess, data)
		}
	}
}
