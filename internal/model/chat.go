package model

import (
	"errors"
	"strings"
	"time"
)

type RoomType string

const (
	RoomTypeGlobal RoomType = "global"
	RoomTypeDirect RoomType = "direct"
)

// GlobalRoomID is the community room every connection joins on connect.
const GlobalRoomID = "global"

const directRoomPrefix = "dm_"

var ErrSelfDirectRoom = errors.New("direct room needs two distinct users")

// ChatRoom is either the global room or a 1:1 direct room. Messages is only
// populated by single-room reads.
type ChatRoom struct {
	ID            string     `json:"_id"`
	Type          RoomType   `json:"type"`
	Participants  []string   `json:"participants"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Messages      []Message  `json:"messages,omitempty"`
}

// DirectRoomID builds the deterministic room id for a pair of users; the
// argument order does not matter.
func DirectRoomID(userA, userB string) (string, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return "", ErrSelfDirectRoom
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	return directRoomPrefix + userA + "_" + userB, nil
}

// IsDirectRoomID reports whether id has the direct room shape.
func IsDirectRoomID(id string) bool {
	return strings.HasPrefix(id, directRoomPrefix)
}

// RoomTypeOf derives the room type from its id.
func RoomTypeOf(id string) RoomType {
	if IsDirectRoomID(id) {
		return RoomTypeDirect
	}
	return RoomTypeGlobal
}

// HasParticipant reports whether userID belongs to the room.
func (r *ChatRoom) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a direct room.
func (r *ChatRoom) Peer(userID string) string {
	if r.Type != RoomTypeDirect {
		return ""
	}
	for _, p := range r.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}
