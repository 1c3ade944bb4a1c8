// Package storage defines persistence records and contracts for chat state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
	// ErrInactiveParticipant indicates the writer is not an active member of the room.
	ErrInactiveParticipant = errors.New("participant is not active")
	// ErrNotParticipant indicates the user has no membership row in the room.
	ErrNotParticipant = errors.New("user is not a participant")
)

// RoomRecord stores one two-party room scoped to a listing.
type RoomRecord struct {
	ID        string
	ListingID string
	// PairKey is the sorted pair of participant user ids joined by "|".
	PairKey   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParticipantRecord stores one (room, user) membership row.
type ParticipantRecord struct {
	RoomID    string
	UserID    string
	IsActive  bool
	JoinedAt  time.Time
	UpdatedAt time.Time
}

// MessageRecord stores one immutable chat message.
type MessageRecord struct {
	ID     string
	RoomID string
	Seq    int64
	// SenderID is empty for system messages.
	SenderID        string
	Content         string
	ClientMessageID string
	CreatedAt       time.Time
}

// RoomSummaryRecord is one room-list row for a participant.
type RoomSummaryRecord struct {
	Room        RoomRecord
	LastMessage *MessageRecord
	UnreadCount int
}

// UserRecord is the directory projection of a marketplace user.
type UserRecord struct {
	ID        string
	Nickname  string
	AvatarURL string
}

// ListingRecord is the directory projection of a marketplace listing.
type ListingRecord struct {
	ID         string
	OwnerID    string
	Title      string
	BookTitle  string
	BookAuthor string
	ImageURL   string
}

// Reactivation flips one inactive participant back to active with its paired
// system message.
type Reactivation struct {
	UserID  string
	Message MessageRecord
}

// RoomStore persists rooms and the membership transitions around them.
// Every method that takes more than one row commits them atomically.
type RoomStore interface {
	CreateRoom(ctx context.Context, room RoomRecord, participants []ParticipantRecord) error
	GetRoom(ctx context.Context, roomID string) (RoomRecord, error)
	FindRoomByPair(ctx context.Context, listingID string, pairKey string) (RoomRecord, error)
	ReactivateParticipants(ctx context.Context, roomID string, reactivations []Reactivation, at time.Time) ([]MessageRecord, error)
	DeactivateParticipant(ctx context.Context, roomID string, userID string, message MessageRecord) (MessageRecord, error)
	ListRoomSummaries(ctx context.Context, userID string, offset int, limit int) ([]RoomSummaryRecord, error)
}

// ParticipantStore reads membership rows.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, roomID string, userID string) (ParticipantRecord, error)
	ListParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error)
}

// MessageStore appends and pages room messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, message MessageRecord) (MessageRecord, bool, error)
	ListMessages(ctx context.Context, roomID string, offset int, limit int) ([]MessageRecord, error)
	ListMessagesBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]MessageRecord, error)
	CountMessages(ctx context.Context, roomID string) (int, error)
}

// ReceiptStore persists read receipts.
type ReceiptStore interface {
	MarkAllRead(ctx context.Context, roomID string, userID string, readAt time.Time) (int, error)
	CountUnread(ctx context.Context, roomID string, userID string) (int, error)
}

// DirectoryStore persists the user and listing projection.
type DirectoryStore interface {
	PutUser(ctx context.Context, user UserRecord) error
	GetUser(ctx context.Context, userID string) (UserRecord, error)
	PutListing(ctx context.Context, listing ListingRecord) error
	GetListing(ctx context.Context, listingID string) (ListingRecord, error)
}
