// Package domain implements the chat room directory, message store rules,
// participant registry and read-receipt tracker.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/marketchat/internal/platform/errors"
	"github.com/louisbranch/marketchat/internal/platform/id"
	"github.com/louisbranch/marketchat/internal/services/chat/render"
	"github.com/louisbranch/marketchat/internal/services/chat/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxContentRunes bounds one message body.
	MaxContentRunes = 2000
	// MaxClientMessageIDRunes bounds one client correlation token.
	MaxClientMessageIDRunes = 128

	defaultRoomPageSize    = 50
	maxRoomPageSize        = 200
	defaultMessagePageSize = 20
	maxMessagePageSize     = 100
)

var tracer = otel.Tracer("github.com/louisbranch/marketchat/internal/services/chat/domain")

// Store is the persistence boundary for chat state.
type Store interface {
	storage.RoomStore
	storage.ParticipantStore
	storage.MessageStore
	storage.ReceiptStore
}

// ListingLookup resolves listing existence and ownership.
type ListingLookup interface {
	GetListing(ctx context.Context, listingID string) (storage.ListingRecord, error)
}

// UserLookup resolves nickname and avatar for participants.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (storage.UserRecord, error)
}

// Config wires service collaborators. Store, Listings and Users are required.
type Config struct {
	Store     Store
	Listings  ListingLookup
	Users     UserLookup
	Publisher Publisher
	Localizer render.Localizer
	Clock     func() time.Time
	NewID     func() (string, error)
}

// Service orchestrates chat room lifecycle and message behavior.
type Service struct {
	store     Store
	listings  ListingLookup
	users     UserLookup
	publisher Publisher
	localizer render.Localizer
	clock     func() time.Time
	newID     func() (string, error)
}

// NewService constructs chat domain use-cases.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	return &Service{
		store:     cfg.Store,
		listings:  cfg.Listings,
		users:     cfg.Users,
		publisher: cfg.Publisher,
		localizer: cfg.Localizer,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
	}
}

// SetPublisher replaces the event publisher. It must be called before the
// service handles requests.
func (s *Service) SetPublisher(publisher Publisher) {
	if s == nil {
		return
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	s.publisher = publisher
}

func (s *Service) configured() error {
	if s == nil || s.store == nil || s.listings == nil || s.users == nil {
		return ErrStoreNotConfigured
	}
	return nil
}

func (s *Service) nowUTC() time.Time {
	return s.clock().UTC()
}

// publish runs after the owning transaction committed.
func (s *Service) publish(ctx context.Context, event Event) {
	s.publisher.Publish(ctx, event)
}

// nickname returns the display name for userID, or empty when the user
// directory has no entry.
func (s *Service) nickname(ctx context.Context, userID string) (string, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", internalError("get user", err)
	}
	return user.Nickname, nil
}

func (s *Service) lookupListing(ctx context.Context, listingID string) (Listing, error) {
	record, err := s.listings.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Listing{}, ErrListingNotFound
		}
		return Listing{}, internalError("get listing", err)
	}
	return listingFromRecord(record), nil
}

// hydrateRoom attaches listing context and participant profiles. A listing
// missing from the directory leaves only its id on the room.
func (s *Service) hydrateRoom(ctx context.Context, record storage.RoomRecord, listing *Listing) (Room, error) {
	room := Room{
		ID:        record.ID,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
	if listing != nil {
		room.Listing = *listing
	} else {
		resolved, err := s.lookupListing(ctx, record.ListingID)
		switch {
		case err == nil:
			room.Listing = resolved
		case err == ErrListingNotFound:
			room.Listing = Listing{ID: record.ListingID}
		default:
			return Room{}, err
		}
	}

	participants, err := s.store.ListParticipants(ctx, record.ID)
	if err != nil {
		return Room{}, internalError("list participants", err)
	}
	room.Participants = make([]Participant, 0, len(participants))
	for _, participant := range participants {
		hydrated := Participant{
			UserID:   participant.UserID,
			IsActive: participant.IsActive,
			JoinedAt: participant.JoinedAt,
		}
		user, err := s.users.GetUser(ctx, participant.UserID)
		switch {
		case err == nil:
			hydrated.Nickname = user.Nickname
			hydrated.AvatarURL = user.AvatarURL
		case !errors.Is(err, storage.ErrNotFound):
			return Room{}, internalError("get user", err)
		}
		room.Participants = append(room.Participants, hydrated)
	}
	return room, nil
}

// PairKey returns the order-independent key for two participants.
func PairKey(a string, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func normalizePage(page int, limit int, defaultLimit int, maxLimit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span with its taxonomy code and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("chat.error_code", string(apperrors.CodeOf(err))))
		if apperrors.CodeOf(err) == apperrors.CodeInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func messageFromRecord(record storage.MessageRecord) Message {
	return Message{
		ID:              record.ID,
		RoomID:          record.RoomID,
		Seq:             record.Seq,
		SenderID:        record.SenderID,
		Content:         record.Content,
		ClientMessageID: record.ClientMessageID,
		CreatedAt:       record.CreatedAt,
	}
}

func messagesFromRecords(records []storage.MessageRecord) []Message {
	messages := make([]Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, messageFromRecord(record))
	}
	return messages
}

func listingFromRecord(record storage.ListingRecord) Listing {
	return Listing{
		ID:         record.ID,
		OwnerID:    record.OwnerID,
		Title:      record.Title,
		BookTitle:  record.BookTitle,
		BookAuthor: record.BookAuthor,
		ImageURL:   record.ImageURL,
	}
}
