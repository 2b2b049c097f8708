package apihttp

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pricewatch/internal/domain"
	"pricewatch/internal/live"
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope wsEnvelope
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return envelope
}

func dialTestWS(t *testing.T, registry *live.Registry, rawQuery string) (*websocket.Conn, func()) {
	t.Helper()
	handler := newTestHandler(&stubSearch{}, &stubCatalog{}, WithSubscriptions(registry))
	srv := httptest.NewServer(handler)

	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestWebSocketHandshakeAndUpdates(t *testing.T) {
	registry := live.NewRegistry(nil)
	defer registry.Close()

	conn, cleanup := dialTestWS(t, registry, "session_id=session-1")
	defer cleanup()

	hello := readEnvelope(t, conn)
	if hello.Type != "connection_established" {
		t.Fatalf("first event = %q", hello.Type)
	}
	var established domain.ConnectionEstablishedEvent
	if err := json.Unmarshal(hello.Data, &established); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if established.SessionID != "session-1" || established.ConnectionID == "" {
		t.Fatalf("handshake = %+v", established)
	}

	update, err := domain.NewUpdateEvent("phone", "flipkart", []domain.Product{
		{ID: 1, Name: "Phone", Price: 99, URL: "https://f/1"},
	})
	if err != nil {
		t.Fatalf("NewUpdateEvent: %v", err)
	}
	registry.Publish("session-1", update)

	envelope := readEnvelope(t, conn)
	if envelope.Type != "update" {
		t.Fatalf("event = %q, want update", envelope.Type)
	}
	var received domain.UpdateEvent
	if err := json.Unmarshal(envelope.Data, &received); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if received.Source != "flipkart" || len(received.Items) != 1 {
		t.Errorf("update = %+v", received)
	}
}

func TestWebSocketMintsSessionWhenAbsent(t *testing.T) {
	registry := live.NewRegistry(nil)
	defer registry.Close()

	conn, cleanup := dialTestWS(t, registry, "")
	defer cleanup()

	hello := readEnvelope(t, conn)
	var established domain.ConnectionEstablishedEvent
	if err := json.Unmarshal(hello.Data, &established); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if established.SessionID == "" {
		t.Fatal("server must mint a session id when the client brings none")
	}
}

func TestWebSocketAcksClientMessages(t *testing.T) {
	registry := live.NewRegistry(nil)
	defer registry.Close()

	conn, cleanup := dialTestWS(t, registry, "session_id=session-1")
	defer cleanup()
	readEnvelope(t, conn) // handshake

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping from client")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readEnvelope(t, conn)
	if ack.Type != "ack" {
		t.Fatalf("event = %q, want ack", ack.Type)
	}
}

func TestWebSocketResubscribe(t *testing.T) {
	registry := live.NewRegistry(nil)
	defer registry.Close()

	conn, cleanup := dialTestWS(t, registry, "session_id=session-1")
	defer cleanup()
	readEnvelope(t, conn) // handshake

	if err := conn.WriteJSON(map[string]string{"session_id": "session-2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readEnvelope(t, conn)
	if ack.Type != "ack" {
		t.Fatalf("event = %q, want ack", ack.Type)
	}

	update, err := domain.NewUpdateEvent("laptop", "amazon", nil)
	if err != nil {
		t.Fatalf("NewUpdateEvent: %v", err)
	}
	registry.Publish("session-2", update)

	envelope := readEnvelope(t, conn)
	if envelope.Type != "update" {
		t.Fatalf("event = %q, want update from the new session", envelope.Type)
	}
}

func TestWebSocketCloseRemovesSubscription(t *testing.T) {
	registry := live.NewRegistry(nil)
	defer registry.Close()

	conn, cleanup := dialTestWS(t, registry, "session_id=session-1")
	readEnvelope(t, conn) // handshake
	cleanup()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && registry.SessionSubscribers("session-1") > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := registry.SessionSubscribers("session-1"); got != 0 {
		t.Fatalf("session still has %d subscribers after close", got)
	}
}
