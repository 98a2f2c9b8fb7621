package models

import "time"

// Room is the durable, PIN-gated namespace. Rows are never removed when the
// room becomes empty; only the in-memory presence entry is reclaimed.
type Room struct {
	RoomID    string    `gorm:"column:room_id;type:varchar(255);primaryKey" json:"roomId"`
	PIN       string    `gorm:"column:pin;type:varchar(255);not null" json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Room) TableName() string { return "rooms" }

// Participant is a live connection present in a room. It exists only in the
// presence table and is never persisted.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
