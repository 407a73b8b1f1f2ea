package ws

import (
	"github.com/skillsync/internal/model"
)

type EventType string

const (
	EventPreviousMessages EventType = "previousMessages"
	EventMessage          EventType = "message"
	EventGetMessages      EventType = "getMessages"
	EventJoinRoom         EventType = "joinRoom"
	EventLeaveRoom        EventType = "leaveRoom"
	EventJoinedRoom       EventType = "joinedRoom"
	EventSendMessage      EventType = "sendMessage"
	EventError            EventType = "error"
)

// IncomingMessage is a client frame. Which fields matter depends on Type:
// message uses Content, Room and MessageID; joinRoom uses Room or PeerID;
// sendMessage uses Room and ID; Ack is echoed on request/response events.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Room      string    `json:"room,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	PeerID    string    `json:"peerId,omitempty"`
	ID        string    `json:"id,omitempty"`
	Ack       string    `json:"ack,omitempty"`
}

// OutgoingMessage is a server frame.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
	Ack     string    `json:"ack,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type JoinedRoomPayload struct {
	Room     string          `json:"room"`
	Messages []model.Message `json:"messages"`
}

func errorEvent(msg, ack string) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: msg}, Ack: ack}
}
