// Package live tracks which connections are subscribed to which search
// session and fans session events out to them. The registry is the only
// owner of the connection/session relation; every mutation goes through
// Subscribe, Resubscribe and Unsubscribe.
package live

import (
	"sync"

	"log/slog"

	"github.com/google/uuid"

	"pricewatch/internal/domain"
	"pricewatch/internal/metrics"
)

// Sender is the transport half of a live connection. Send must be safe to
// call from the subscriber's delivery goroutine; a returned error marks the
// connection dead.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// sendQueueSize is the per-connection backlog. A subscriber that cannot
// drain this many events is treated like a dead connection and dropped.
const sendQueueSize = 64

type subscriber struct {
	id        string
	sessionID string
	sender    Sender
	queue     chan []byte
}

type Registry struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	// sessions indexes subscribers by session id; membership here always
	// mirrors the subscriber's sessionID field.
	sessions map[string]map[string]*subscriber
	logger   *slog.Logger
	newID    func() string
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subscribers: make(map[string]*subscriber),
		sessions:    make(map[string]map[string]*subscriber),
		logger:      logger,
		newID:       uuid.NewString,
	}
}

// Subscribe registers a connection for one session and returns its
// connection id. Events published to the session from this point on are
// delivered in publish order; nothing earlier is replayed.
func (r *Registry) Subscribe(sender Sender, sessionID string) string {
	sub := &subscriber{
		id:        r.newID(),
		sessionID: sessionID,
		sender:    sender,
		queue:     make(chan []byte, sendQueueSize),
	}

	r.mu.Lock()
	r.subscribers[sub.id] = sub
	r.addToSession(sub)
	total := len(r.subscribers)
	r.mu.Unlock()

	metrics.SubscribersActive.Set(float64(total))
	r.logger.Debug("subscriber attached",
		slog.String("connectionId", sub.id),
		slog.String("sessionId", sessionID),
		slog.Int("total", total),
	)

	go r.deliver(sub)
	return sub.id
}

// Resubscribe moves an existing connection to another session. The old
// session's membership is fully removed; a connection is subscribed to at
// most one session at a time.
func (r *Registry) Resubscribe(connectionID, sessionID string) error {
	r.mu.Lock()
	sub, ok := r.subscribers[connectionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotFound
	}
	r.removeFromSession(sub)
	sub.sessionID = sessionID
	r.addToSession(sub)
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes a connection and stops its delivery goroutine. Safe
// to call for ids that are already gone.
func (r *Registry) Unsubscribe(connectionID string) {
	r.mu.Lock()
	sub, ok := r.subscribers[connectionID]
	if ok {
		delete(r.subscribers, connectionID)
		r.removeFromSession(sub)
		close(sub.queue)
	}
	total := len(r.subscribers)
	r.mu.Unlock()

	if ok {
		metrics.SubscribersActive.Set(float64(total))
		r.logger.Debug("subscriber detached",
			slog.String("connectionId", connectionID),
			slog.Int("total", total),
		)
	}
}

// Publish delivers an event to every subscriber of the session. Each
// connection sees the events of its session in the order Publish was
// called; connections that are dead or hopelessly behind are dropped as a
// side effect, never failing the publisher. With no subscribers this is a
// no-op.
func (r *Registry) Publish(sessionID string, event domain.Event) {
	payload, err := domain.EncodeEvent(event)
	if err != nil {
		r.logger.Error("event encode failed", slog.String("error", err.Error()))
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type())).Inc()

	var stale []*subscriber
	r.mu.Lock()
	for _, sub := range r.sessions[sessionID] {
		select {
		case sub.queue <- payload:
		default:
			stale = append(stale, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range stale {
		r.logger.Warn("subscriber queue full, dropping connection",
			slog.String("connectionId", sub.id),
			slog.String("sessionId", sessionID),
		)
		r.drop(sub)
	}
}

// PublishAll delivers an event to every connection regardless of session.
func (r *Registry) PublishAll(event domain.Event) {
	payload, err := domain.EncodeEvent(event)
	if err != nil {
		r.logger.Error("event encode failed", slog.String("error", err.Error()))
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type())).Inc()

	var stale []*subscriber
	r.mu.Lock()
	for _, sub := range r.subscribers {
		select {
		case sub.queue <- payload:
		default:
			stale = append(stale, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range stale {
		r.drop(sub)
	}
}

// SendTo delivers an event to a single connection, outside any session
// fan-out. Used for connection handshakes and acks.
func (r *Registry) SendTo(connectionID string, event domain.Event) {
	payload, err := domain.EncodeEvent(event)
	if err != nil {
		r.logger.Error("event encode failed", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	if sub, ok := r.subscribers[connectionID]; ok {
		select {
		case sub.queue <- payload:
		default:
			// Queue full; the session fan-out will drop this connection.
		}
	}
	r.mu.Unlock()
}

// SessionSubscribers reports how many connections follow a session.
func (r *Registry) SessionSubscribers(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID])
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Close drops every subscriber, closing their transports.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.drop(sub)
	}
}

// deliver drains one subscriber's queue in order. A failed send removes the
// subscription; remaining queued events for the dead connection are
// discarded.
func (r *Registry) deliver(sub *subscriber) {
	for payload := range sub.queue {
		if err := sub.sender.Send(payload); err != nil {
			r.logger.Debug("delivery failed, removing subscriber",
				slog.String("connectionId", sub.id),
				slog.String("error", err.Error()),
			)
			r.drop(sub)
			return
		}
	}
}

func (r *Registry) drop(sub *subscriber) {
	r.Unsubscribe(sub.id)
	_ = sub.sender.Close()
}

// addToSession and removeFromSession assume r.mu is held.
func (r *Registry) addToSession(sub *subscriber) {
	set, ok := r.sessions[sub.sessionID]
	if !ok {
		set = make(map[string]*subscriber)
		r.sessions[sub.sessionID] = set
	}
	set[sub.id] = sub
}

func (r *Registry) removeFromSession(sub *subscriber) {
	set, ok := r.sessions[sub.sessionID]
	if !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(r.sessions, sub.sessionID)
	}
}
