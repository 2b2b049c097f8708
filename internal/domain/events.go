package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventUpdate                EventType = "update"
	EventComplete              EventType = "complete"
	EventAck                   EventType = "ack"
)

// Event is the tagged union delivered to session subscribers. Concrete
// events are validated at construction and serialized uniformly by
// EncodeEvent at the transport boundary.
type Event interface {
	Type() EventType
}

var (
	errEventSource  = errors.New("update event requires a source")
	errEventQuery   = errors.New("event requires a query")
	errEventSession = errors.New("event requires a session id")
)

// ConnectionEstablishedEvent confirms a new subscription to its connection.
type ConnectionEstablishedEvent struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
}

func (ConnectionEstablishedEvent) Type() EventType { return EventConnectionEstablished }

func NewConnectionEstablishedEvent(connectionID, sessionID string) (ConnectionEstablishedEvent, error) {
	if connectionID == "" || sessionID == "" {
		return ConnectionEstablishedEvent{}, errEventSession
	}
	return ConnectionEstablishedEvent{ConnectionID: connectionID, SessionID: sessionID}, nil
}

// UpdateEvent carries one source's reconciled batch. Items hold the stored
// canonical identities, not the raw fetch output.
type UpdateEvent struct {
	Query  string    `json:"query"`
	Source string    `json:"source"`
	Items  []Product `json:"items"`
}

func (UpdateEvent) Type() EventType { return EventUpdate }

func NewUpdateEvent(query, source string, items []Product) (UpdateEvent, error) {
	if query == "" {
		return UpdateEvent{}, errEventQuery
	}
	if source == "" {
		return UpdateEvent{}, errEventSource
	}
	if items == nil {
		items = []Product{}
	}
	return UpdateEvent{Query: query, Source: source, Items: items}, nil
}

// CompleteEvent closes a session's stream. Sources lists the providers that
// contributed results; a source that failed or produced nothing is absent.
type CompleteEvent struct {
	Query   string   `json:"query"`
	Sources []string `json:"sources"`
}

func (CompleteEvent) Type() EventType { return EventComplete }

func NewCompleteEvent(query string, sources []string) (CompleteEvent, error) {
	if query == "" {
		return CompleteEvent{}, errEventQuery
	}
	if sources == nil {
		sources = []string{}
	}
	return CompleteEvent{Query: query, Sources: sources}, nil
}

// AckEvent answers an inbound client message on the live channel.
type AckEvent struct {
	Message string `json:"message"`
}

func (AckEvent) Type() EventType { return EventAck }

type eventEnvelope struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
}

// EncodeEvent serializes an event with its type tag and a timestamp.
func EncodeEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, errors.New("nil event")
	}
	return json.Marshal(eventEnvelope{
		Type:      event.Type(),
		Timestamp: time.Now().UTC(),
		Data:      event,
	})
}
