// Package wire defines the JSON frames exchanged over the realtime chat
// channel and the HTTP API payloads shared by the gateway and its clients.
package wire

import (
	"encoding/json"
	"time"

	"github.com/louisbranch/marketchat/internal/services/chat/domain"
)

// Client to server frame types.
const (
	TypeJoinRooms     = "chat.join_rooms"
	TypeSend          = "chat.send"
	TypeTypingStart   = "chat.typing.start"
	TypeTypingStop    = "chat.typing.stop"
	TypeMarkRead      = "chat.mark_read"
	TypeLeave         = "chat.leave"
	TypeHistoryBefore = "chat.history.before"
)

// Server to client frame types.
const (
	TypeAck            = "chat.ack"
	TypeError          = "chat.error"
	TypeNewMessage     = "chat.new_message"
	TypeNewRoom        = "chat.new_room"
	TypeUserLeft       = "chat.user_left"
	TypeUserRejoined   = "chat.user_rejoined"
	TypeTyping         = "chat.typing"
	TypeHistoryMessage = "chat.history.message"
)

// StatusOK is the status carried by every successful ack.
const StatusOK = "ok"

// Frame is one websocket message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorEnvelope is the payload of a chat.error frame.
type ErrorEnvelope struct {
	Error Error `json:"error"`
}

// Error is a taxonomy code plus a caller-safe message.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// AckEnvelope is the payload of a chat.ack frame.
type AckEnvelope struct {
	Result AckResult `json:"result"`
}

// AckResult carries the request-specific outcome of an acknowledged frame.
type AckResult struct {
	Status      string   `json:"status"`
	JoinedRooms []string `json:"joined_rooms,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Count       int      `json:"count,omitempty"`
	HasMore     bool     `json:"has_more,omitempty"`
}

// JoinRoomsPayload subscribes the connection to room broadcasts.
type JoinRoomsPayload struct {
	RoomIDs []string `json:"room_ids"`
}

// SendPayload appends one user message.
type SendPayload struct {
	RoomID          string `json:"room_id"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// RoomPayload addresses a single room.
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// HistoryBeforePayload requests messages older than BeforeSeq.
type HistoryBeforePayload struct {
	RoomID    string `json:"room_id"`
	BeforeSeq int64  `json:"before_seq"`
	Limit     int    `json:"limit"`
}

// MessageEnvelope wraps a message event.
type MessageEnvelope struct {
	Message Message `json:"message"`
}

// RoomEnvelope wraps a room event.
type RoomEnvelope struct {
	Room Room `json:"room"`
}

// MembershipEvent announces a participant leaving or rejoining a room.
type MembershipEvent struct {
	RoomID  string  `json:"room_id"`
	Message Message `json:"message"`
}

// TypingEvent announces a typing state change.
type TypingEvent struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	IsTyping bool   `json:"is_typing"`
}

// Message is the wire form of one stored message.
type Message struct {
	ID              string `json:"id"`
	RoomID          string `json:"room_id"`
	Seq             int64  `json:"seq"`
	SenderID        string `json:"sender_id,omitempty"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	System          bool   `json:"system"`
}

// Participant is the wire form of a room member.
type Participant struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsActive  bool   `json:"is_active"`
	JoinedAt  string `json:"joined_at"`
}

// Listing is the wire form of the listing a room is about.
type Listing struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Title      string `json:"title"`
	BookTitle  string `json:"book_title,omitempty"`
	BookAuthor string `json:"book_author,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// Room is the wire form of a hydrated room. LastMessage and UnreadCount are
// only set in room lists.
type Room struct {
	ID           string        `json:"id"`
	Listing      Listing       `json:"listing"`
	Participants []Participant `json:"participants"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}

// ResolveRoomRequest is the body of POST /api/rooms.
type ResolveRoomRequest struct {
	ListingID string `json:"listing_id"`
}

// ResolveRoomResponse is the result of POST /api/rooms.
type ResolveRoomResponse struct {
	Room    Room `json:"room"`
	Created bool `json:"created"`
}

// RoomListResponse is the result of GET /api/rooms.
type RoomListResponse struct {
	Rooms []Room `json:"rooms"`
}

// MessagePageResponse is the result of GET /api/rooms/{roomID}/messages.
// HasNextPage is set for offset pages and HasMore for cursor pages.
type MessagePageResponse struct {
	Messages    []Message `json:"messages"`
	HasNextPage bool      `json:"has_next_page"`
	HasMore     bool      `json:"has_more"`
	Total       int       `json:"total,omitempty"`
}

// StatusResponse is the result of state-changing HTTP calls.
type StatusResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count,omitempty"`
}

// HTTPErrorResponse is the body of every failed HTTP call.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError carries the taxonomy code and caller-safe message.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FromMessage converts a domain message.
func FromMessage(message domain.Message) Message {
	return Message{
		ID:              message.ID,
		RoomID:          message.RoomID,
		Seq:             message.Seq,
		SenderID:        message.SenderID,
		Content:         message.Content,
		ClientMessageID: message.ClientMessageID,
		CreatedAt:       FormatTime(message.CreatedAt),
		System:          message.IsSystem(),
	}
}

// FromMessages converts a slice of domain messages.
func FromMessages(messages []domain.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, message := range messages {
		out = append(out, FromMessage(message))
	}
	return out
}

// FromRoom converts a hydrated domain room.
func FromRoom(room domain.Room) Room {
	participants := make([]Participant, 0, len(room.Participants))
	for _, participant := range room.Participants {
		participants = append(participants, Participant{
			UserID:    participant.UserID,
			Nickname:  participant.Nickname,
			AvatarURL: participant.AvatarURL,
			IsActive:  participant.IsActive,
			JoinedAt:  FormatTime(participant.JoinedAt),
		})
	}
	return Room{
		ID: room.ID,
		Listing: Listing{
			ID:         room.Listing.ID,
			OwnerID:    room.Listing.OwnerID,
			Title:      room.Listing.Title,
			BookTitle:  room.Listing.BookTitle,
			BookAuthor: room.Listing.BookAuthor,
			ImageURL:   room.Listing.ImageURL,
		},
		Participants: participants,
		CreatedAt:    FormatTime(room.CreatedAt),
		UpdatedAt:    FormatTime(room.UpdatedAt),
	}
}

// FromRoomSummary converts one room-list row.
func FromRoomSummary(summary domain.RoomSummary) Room {
	room := FromRoom(summary.Room)
	room.UnreadCount = summary.UnreadCount
	if summary.LastMessage != nil {
		last := FromMessage(*summary.LastMessage)
		room.LastMessage = &last
	}
	return room
}

// FormatTime renders t as UTC RFC 3339 with nanoseconds.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a value produced by FormatTime. Empty input yields the
// zero time.
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
