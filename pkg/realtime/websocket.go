package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Clients never send anything but control frames.
	maxMessageSize = 512
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.admit(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed for user %d: %v", id.UserID, err)
		return
	}

	sess, err := s.open(id, TransportWebSocket)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	s.pumps.Add(2)
	go s.writePump(conn, sess)
	go s.readPump(conn, sess)
}

// readPump only watches for the peer going away and keeps the read deadline
// fresh on pongs.
func (s *Server) readPump(conn *websocket.Conn, sess *Session) {
	defer func() {
		s.registry.Unregister(sess.ID)
		_ = conn.Close()
		s.pumps.Done()
	}()

	pongWait := s.opts.PingInterval * 10 / 9
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		sess.touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warnf("websocket read error for session %s: %v", sess.ID, err)
			}
			return
		}
	}
}

// writePump drains the session queue to the connection. A disconnect event
// becomes a 1001 close frame.
func (s *Server) writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		s.pumps.Done()
	}()

	for {
		select {
		case ev, ok := <-sess.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if ev.Name == EventDisconnect {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debugf("websocket write to session %s failed: %v", sess.ID, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
