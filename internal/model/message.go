package model

import "time"

// Message is immutable once persisted. ID and Timestamp are assigned by the
// store when the message is appended.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room"`
	SenderID  string    `json:"-"`
	Sender    Sender    `json:"user"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
