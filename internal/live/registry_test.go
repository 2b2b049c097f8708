package live

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/domain"
)

// fakeSender collects delivered payloads and can be told to start failing.
type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	failing  bool
	closed   bool
}

func (s *fakeSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("connection reset")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = true
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSender) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

func (s *fakeSender) waitFor(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if payloads := s.received(); len(payloads) >= n {
			return payloads
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d payloads, have %d", n, len(s.received()))
	return nil
}

func decodeType(t *testing.T, payload []byte) string {
	t.Helper()
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return envelope.Type
}

func mustUpdate(t *testing.T, query, source string) domain.UpdateEvent {
	t.Helper()
	event, err := domain.NewUpdateEvent(query, source, nil)
	if err != nil {
		t.Fatalf("NewUpdateEvent: %v", err)
	}
	return event
}

func TestPublishReachesSessionSubscribersOnly(t *testing.T) {
	registry := NewRegistry(nil)
	defer registry.Close()

	inSession := &fakeSender{}
	outside := &fakeSender{}
	registry.Subscribe(inSession, "session-a")
	registry.Subscribe(outside, "session-b")

	registry.Publish("session-a", mustUpdate(t, "phone", "flipkart"))

	payloads := inSession.waitFor(t, 1)
	if got := decodeType(t, payloads[0]); got != "update" {
		t.Errorf("event type = %q, want update", got)
	}
	time.Sleep(20 * time.Millisecond)
	if len(outside.received()) != 0 {
		t.Error("subscriber of another session must not receive the event")
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	registry := NewRegistry(nil)
	defer registry.Close()

	sender := &fakeSender{}
	registry.Subscribe(sender, "session-a")

	sources := []string{"a", "b", "c", "d", "e"}
	for _, source := range sources {
		registry.Publish("session-a", mustUpdate(t, "phone", source))
	}
	complete, err := domain.NewCompleteEvent("phone", sources)
	if err != nil {
		t.Fatalf("NewCompleteEvent: %v", err)
	}
	registry.Publish("session-a", complete)

	payloads := sender.waitFor(t, len(sources)+1)
	for i, source := range sources {
		var envelope struct {
			Data domain.UpdateEvent `json:"data"`
		}
		if err := json.Unmarshal(payloads[i], &envelope); err != nil {
			t.Fatalf("decode payload %d: %v", i, err)
		}
		if envelope.Data.Source != source {
			t.Fatalf("payload %d source = %q, want %q", i, envelope.Data.Source, source)
		}
	}
	if got := decodeType(t, payloads[len(sources)]); got != "complete" {
		t.Errorf("last event = %q, want complete", got)
	}
}

func TestResubscribeMovesConnection(t *testing.T) {
	registry := NewRegistry(nil)
	defer registry.Close()

	sender := &fakeSender{}
	id := registry.Subscribe(sender, "session-a")
	if err := registry.Resubscribe(id, "session-b"); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}

	registry.Publish("session-a", mustUpdate(t, "phone", "flipkart"))
	registry.Publish("session-b", mustUpdate(t, "laptop", "amazon"))

	payloads := sender.waitFor(t, 1)
	var envelope struct {
		Data domain.UpdateEvent `json:"data"`
	}
	if err := json.Unmarshal(payloads[0], &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.Query != "laptop" {
		t.Errorf("received %q, want the new session's event", envelope.Data.Query)
	}
	if registry.SessionSubscribers("session-a") != 0 {
		t.Error("old session still has the subscriber")
	}
}

func TestResubscribeUnknownConnection(t *testing.T) {
	registry := NewRegistry(nil)
	defer registry.Close()
	if err := registry.Resubscribe("missing", "session-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeadConnectionIsDropped(t *testing.T) {
	registry := NewRegistry(nil)
	defer registry.Close()

	dead := &fakeSender{}
	alive := &fakeSender{}
	registry.Subscribe(dead, "session-a")
	registry.Subscribe(alive, "session-a")

	dead.fail()
	registry.Publish("session-a", mustUpdate(t, "phone", "flipkart"))

	alive.waitFor(t, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && registry.SessionSubscribers("session-a") > 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := registry.SessionSubscribers("session-a"); got != 1 {
		t.Fatalf("session has %d subscribers, want 1 after drop", got)
	}
	if !dead.isClosed() {
		t.Error("dropped connection's transport must be closed")
	}

	// The survivor keeps receiving.
	registry.Publish("session-a", mustUpdate(t, "phone", "amazon"))
	alive.waitFor(t, 2)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	registry := NewRegistry(nil)
	defer registry.Close()

	sender := &fakeSender{}
	id := registry.Subscribe(sender, "session-a")
	registry.Unsubscribe(id)
	registry.Unsubscribe(id)

	if registry.Count() != 0 {
		t.Fatalf("count = %d, want 0", registry.Count())
	}
	// Publishing to the now-empty session is a no-op.
	registry.Publish("session-a", mustUpdate(t, "phone", "flipkart"))
}

func TestSendToSingleConnection(t *testing.T) {
	registry := NewRegistry(nil)
	defer registry.Close()

	first := &fakeSender{}
	second := &fakeSender{}
	id := registry.Subscribe(first, "session-a")
	registry.Subscribe(second, "session-a")

	registry.SendTo(id, domain.AckEvent{Message: "received"})

	payloads := first.waitFor(t, 1)
	if got := decodeType(t, payloads[0]); got != "ack" {
		t.Errorf("event type = %q, want ack", got)
	}
	time.Sleep(20 * time.Millisecond)
	if len(second.received()) != 0 {
		t.Error("SendTo must not fan out to other connections")
	}
}

func TestCloseDropsEverySubscriber(t *testing.T) {
	registry := NewRegistry(nil)

	senders := []*fakeSender{{}, {}, {}}
	for i, sender := range senders {
		registry.Subscribe(sender, map[int]string{0: "a", 1: "a", 2: "b"}[i])
	}
	registry.Close()

	if registry.Count() != 0 {
		t.Fatalf("count = %d after Close, want 0", registry.Count())
	}
	for i, sender := range senders {
		if !sender.isClosed() {
			t.Errorf("sender %d not closed", i)
		}
	}
}
