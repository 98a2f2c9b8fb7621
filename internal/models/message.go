package models

import "time"

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindVideo MessageKind = "video"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindVideo:
		return true
	default:
		return false
	}
}

// ReplySnapshot is a copy of the quoted message taken at reply time.
// It is not a reference: later changes to the original never reach it.
type ReplySnapshot struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

type Message struct {
	ID       string         `gorm:"type:varchar(255);primaryKey" json:"id"`
	RoomID   string         `gorm:"column:room_id;type:varchar(255);not null;index:idx_messages_room_created,priority:1" json:"roomId"`
	Author   string         `gorm:"type:varchar(255);not null" json:"author"`
	Username string         `gorm:"type:varchar(255);not null" json:"username"`
	Body     string         `gorm:"column:message;type:text;not null" json:"message"`
	Kind     MessageKind    `gorm:"column:type;type:varchar(16);not null;default:text" json:"type"`
	Time     string         `gorm:"column:time;type:varchar(64);not null" json:"time"`
	ReplyTo  *ReplySnapshot `gorm:"column:reply_to;type:text;serializer:json" json:"replyTo"`

	// CreatedAt is stamped once by the coordinator and orders history.
	CreatedAt time.Time `gorm:"index:idx_messages_room_created,priority:2" json:"-"`

	// Reactions is assembled from the reactions table on read.
	Reactions map[string]string `gorm:"-" json:"reactions"`
}

func (Message) TableName() string { return "messages" }

// Reaction holds one emoji per (message, username). A second reaction from the
// same username replaces the first.
type Reaction struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	MessageID string    `gorm:"column:message_id;type:varchar(255);not null;uniqueIndex:idx_reactions_message_user,priority:1" json:"messageId"`
	Username  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_reactions_message_user,priority:2" json:"username"`
	Emoji     string    `gorm:"column:reaction;type:varchar(64);not null" json:"reaction"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (Reaction) TableName() string { return "reactions" }
