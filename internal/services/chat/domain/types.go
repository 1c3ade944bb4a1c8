package domain

import (
	"context"
	"time"
)

// Message is one immutable room message. SenderID is empty for system
// messages generated by leave and rejoin.
type Message struct {
	ID              string
	RoomID          string
	Seq             int64
	SenderID        string
	Content         string
	ClientMessageID string
	CreatedAt       time.Time
}

// IsSystem reports whether the message was generated by a lifecycle event.
func (m Message) IsSystem() bool {
	return m.SenderID == ""
}

// Participant is one hydrated room member.
type Participant struct {
	UserID    string
	Nickname  string
	AvatarURL string
	IsActive  bool
	JoinedAt  time.Time
}

// Listing is the listing and book context shown with a room.
type Listing struct {
	ID         string
	OwnerID    string
	Title      string
	BookTitle  string
	BookAuthor string
	ImageURL   string
}

// Room is a room hydrated for display.
type Room struct {
	ID           string
	Listing      Listing
	Participants []Participant
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Participant returns the member row for userID.
func (r Room) Participant(userID string) (Participant, bool) {
	for _, participant := range r.Participants {
		if participant.UserID == userID {
			return participant, true
		}
	}
	return Participant{}, false
}

// RoomSummary is one row of a user's room list.
type RoomSummary struct {
	Room        Room
	LastMessage *Message
	UnreadCount int
}

// ResolveResult is the outcome of resolving a listing conversation.
type ResolveResult struct {
	Room Room
	// Created is true when this call created the room.
	Created bool
	// Rejoined holds the system messages for participants reactivated by this call.
	Rejoined []Message
}

// MessagePage is one offset page of room messages, newest-first.
type MessagePage struct {
	Messages    []Message
	HasNextPage bool
	Total       int
}

// HistoryPage is one cursor page of room messages, newest-first.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// SendInput describes one user message.
type SendInput struct {
	RoomID          string
	SenderID        string
	Content         string
	ClientMessageID string
}

// EventKind identifies a committed event relayed to live connections.
type EventKind string

const (
	// EventNewMessage is a user message appended to a room.
	EventNewMessage EventKind = "new_message"
	// EventUserLeft is a participant leaving a room.
	EventUserLeft EventKind = "user_left"
	// EventUserRejoined is a participant reactivated in a room.
	EventUserRejoined EventKind = "user_rejoined"
	// EventNewChatRoom is a room created for the seller of a listing.
	EventNewChatRoom EventKind = "new_chat_room"
)

// Event is one committed state change.
type Event struct {
	Kind   EventKind
	RoomID string
	// UserID is the participant the event is about.
	UserID string
	// TargetUserID limits delivery to one user's connections.
	TargetUserID string
	Message      Message
	Room         Room
}

// Publisher relays committed events. Implementations must not block on slow
// receivers; delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) {}
