package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pricewatch/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the live registry's sender
// contract. The registry's delivery goroutine and the ping ticker both
// write, so every write goes through the mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	if s.subs == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "live updates are not configured")
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("clientIP", clientIP(r)),
			slog.String("error", err.Error()),
		)
		return
	}

	sender := &wsConn{conn: conn}
	connectionID := s.subs.Subscribe(sender, sessionID)
	if event, err := domain.NewConnectionEstablishedEvent(connectionID, sessionID); err == nil {
		s.subs.SendTo(connectionID, event)
	}
	s.logger.Debug("websocket subscribed",
		slog.String("connectionId", connectionID),
		slog.String("sessionId", sessionID),
	)

	go s.wsPingLoop(sender, connectionID)
	s.wsReadLoop(conn, connectionID)
}

func (s *Server) wsPingLoop(sender *wsConn, connectionID string) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := sender.ping(); err != nil {
			s.subs.Unsubscribe(connectionID)
			return
		}
	}
}

// wsReadLoop consumes inbound frames until the peer goes away. A message
// of the form {"session_id": "..."} retargets the subscription; anything
// else is acknowledged and otherwise ignored.
func (s *Server) wsReadLoop(conn *websocket.Conn, connectionID string) {
	defer func() {
		s.subs.Unsubscribe(connectionID)
		_ = conn.Close()
		s.logger.Debug("websocket closed", slog.String("connectionId", connectionID))
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		var inbound struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(payload, &inbound); err == nil && strings.TrimSpace(inbound.SessionID) != "" {
			if err := s.subs.Resubscribe(connectionID, strings.TrimSpace(inbound.SessionID)); err != nil {
				s.logger.Warn("websocket resubscribe failed",
					slog.String("connectionId", connectionID),
					slog.String("error", err.Error()),
				)
				return
			}
			s.subs.SendTo(connectionID, domain.AckEvent{Message: "subscribed"})
			continue
		}
		s.subs.SendTo(connectionID, domain.AckEvent{Message: "received"})
	}
}
