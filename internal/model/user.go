package model

import "time"

// User is owned by the profile subsystem. The chat core reads identity fields
// and writes only IsOnline and LastSeen.
type User struct {
	ID             string    `json:"_id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	ProfilePicture string    `json:"profilePicture"`
	IsOnline       bool      `json:"isOnline"`
	LastSeen       time.Time `json:"lastSeen"`
	NotifyMessages bool      `json:"notifyMessages"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Sender is the denormalized author block attached to delivered messages.
type Sender struct {
	ID             string `json:"_id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture"`
}

// Presence is the public online/last-seen view of a user.
type Presence struct {
	UserID   string    `json:"_id"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

func (u *User) ToSender() Sender {
	return Sender{ID: u.ID, Name: u.Name, ProfilePicture: u.ProfilePicture}
}

func (u *User) ToPresence() Presence {
	return Presence{UserID: u.ID, IsOnline: u.IsOnline, LastSeen: u.LastSeen}
}
