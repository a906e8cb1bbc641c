package hub

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kosee-dev/chatfleet/internal/metrics"
)

const writeWait = 10 * time.Second

// writePump is the single writer goroutine for c, batching whatever has
// queued up since the last flush through one buffered writer. Its ticker
// sends protocol-level pings at the pong-timeout cadence; a peer that
// stops answering trips the read deadline and the read pump tears the
// connection down.
func (h *Hub) writePump(c *Connection) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(h.cfg.PongTimeout)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				return
			}
			metrics.FramesOutbound.Inc()

			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					return
				}
				metrics.FramesOutbound.Inc()
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
