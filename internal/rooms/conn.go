package rooms

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 8 * 1024 * 1024
)

// WritePump drains the participant's queue into conn until the participant
// leaves or a write fails. gorilla/websocket allows one concurrent writer, so
// this must be the only goroutine writing to conn.
func WritePump(conn *websocket.Conn, p *Participant) {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
