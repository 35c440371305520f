package models

// EventType discriminates the JSON envelope exchanged over a live connection.
type EventType string

const (
	// client -> server
	EventJoin   EventType = "join"
	EventSend   EventType = "send"
	EventTyping EventType = "typing"

	// server -> client
	EventHistory  EventType = "history"
	EventMessage  EventType = "message"
	EventPresence EventType = "presence"
	EventError    EventType = "error"
)

// TypingExpirySeconds is the contract for typing indicators: the server relays
// raw typing events and keeps no state, so receivers must clear the indicator
// this many seconds after the last event unless it is refreshed.
const TypingExpirySeconds = 3

// Event is the single wire envelope for every websocket frame, both
// directions. Unused fields are omitted per event type:
//
//	join     (c->s): Room
//	send     (c->s): Room, Text
//	typing   (c->s): Room
//	history  (s->c): Messages, sent once to a joiner before any broadcast
//	message  (s->c): Message
//	presence (s->c): Room, Users
//	typing   (s->c): Room, Sender
//	error    (s->c): Error
type Event struct {
	Type     EventType  `json:"type"`
	Room     string     `json:"room,omitempty"`
	Text     string     `json:"text,omitempty"`
	Sender   string     `json:"sender,omitempty"`
	Users    []string   `json:"users,omitempty"`
	Message  *Message   `json:"message,omitempty"`
	Messages []*Message `json:"messages,omitempty"`
	Error    string     `json:"error,omitempty"`
}
