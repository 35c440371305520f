package models

import "time"

// Message is a persisted chat message. ID and CreatedAt are assigned by the
// message log on append; a message is never broadcast before it is persisted.
type Message struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Room      string    `json:"room"`
	CreatedAt time.Time `json:"created_at"`
}
