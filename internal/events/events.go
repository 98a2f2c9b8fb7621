// Package events defines the event names and payloads exchanged over the
// realtime channel. Every frame is {"event": name, "data": payload}.
package events

import (
	"encoding/json"

	"github.com/tariel-x/pinroom/internal/models"
)

// Inbound event names.
const (
	CreateRoom   = "create_room"
	JoinRoom     = "join_room"
	LeaveRoom    = "leave_room"
	GetUsers     = "get_users"
	SendMessage  = "send_message"
	Typing       = "typing"
	AddReaction  = "add_reaction"
	CallUser     = "call_user"
	AnswerCall   = "answer_call"
	IceCandidate = "ice_candidate"
	EndCall      = "end_call"
	RejectCall   = "reject_call"
)

// Outbound event names. call_user, ice_candidate and end_call reuse the
// inbound names.
const (
	Connected       = "connected"
	RoomJoined      = "room_joined"
	Error           = "error"
	LoadMessages    = "load_messages"
	UserList        = "user_list"
	UserTyping      = "user_typing"
	MessageReaction = "message_reaction"
	ReceiveMessage  = "receive_message"
	CallAccepted    = "call_accepted"
)

// Envelope is a single frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RoomRequest struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	PIN      string `json:"pin" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
}

type GetUsersRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

type LeaveRequest struct {
	RoomID string `json:"roomId"`
}

// MessageRequest mirrors models.Message on the wire. Author and reactions
// supplied by the client are ignored.
type MessageRequest struct {
	ID        string                `json:"id" validate:"required,max=128"`
	RoomID    string                `json:"roomId" validate:"required"`
	Author    string                `json:"author"`
	Username  string                `json:"username" validate:"required,max=64"`
	Message   string                `json:"message"`
	Type      models.MessageKind    `json:"type"`
	Time      string                `json:"time"`
	ReplyTo   *models.ReplySnapshot `json:"replyTo,omitempty"`
	Reactions map[string]string     `json:"reactions,omitempty"`
}

type TypingRequest struct {
	RoomID   string `json:"roomId" validate:"required"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type ReactionRequest struct {
	RoomID    string `json:"roomId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
	Reaction  string `json:"reaction" validate:"required,max=64"`
	Username  string `json:"username" validate:"required,max=64"`
}

type CallRequest struct {
	UserToCall string          `json:"userToCall" validate:"required"`
	SignalData json.RawMessage `json:"signalData" validate:"required"`
	From       string          `json:"from"`
	Name       string          `json:"name"`
	IsVideo    bool            `json:"isVideo"`
}

type AnswerRequest struct {
	Signal json.RawMessage `json:"signal" validate:"required"`
	To     string          `json:"to" validate:"required"`
}

type CandidateRequest struct {
	To        string          `json:"to" validate:"required"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

// PeerRequest carries the other party of end_call and reject_call.
type PeerRequest struct {
	To string `json:"to"`
}

type ConnectedPayload struct {
	ID string `json:"id"`
}

type RoomJoinedPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	ID       string `json:"id"`
	Token    string `json:"token,omitempty"`
}

type TypingPayload struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
	Username  string `json:"username"`
}

type IncomingCallPayload struct {
	Signal  json.RawMessage `json:"signal"`
	From    string          `json:"from"`
	Name    string          `json:"name"`
	IsVideo bool            `json:"isVideo"`
}

// Encode builds a frame. A nil data produces a frame without the data field.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
