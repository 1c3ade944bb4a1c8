package domain

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/louisbranch/marketchat/internal/services/chat/render"
	"github.com/louisbranch/marketchat/internal/services/chat/storage"
	"go.opentelemetry.io/otel/attribute"
)

// Resolve returns the room for buyerID on listingID, creating it on first
// contact and reactivating departed participants on return.
func (s *Service) Resolve(ctx context.Context, listingID string, buyerID string) (result ResolveResult, err error) {
	if err := s.configured(); err != nil {
		return ResolveResult{}, err
	}
	listingID = strings.TrimSpace(listingID)
	buyerID = strings.TrimSpace(buyerID)
	if listingID == "" {
		return ResolveResult{}, ErrListingIDRequired
	}
	if buyerID == "" {
		return ResolveResult{}, ErrUserIDRequired
	}

	ctx, span := startSpan(ctx, "chat.Resolve",
		attribute.String("chat.listing_id", listingID),
		attribute.String("chat.user_id", buyerID),
	)
	defer func() { endSpan(span, err) }()

	listing, err := s.lookupListing(ctx, listingID)
	if err != nil {
		return ResolveResult{}, err
	}
	if listing.OwnerID == buyerID {
		return ResolveResult{}, ErrSelfChat
	}
	pairKey := PairKey(buyerID, listing.OwnerID)

	record, err := s.store.FindRoomByPair(ctx, listingID, pairKey)
	switch {
	case err == nil:
		return s.resolveExisting(ctx, record, listing)
	case !errors.Is(err, storage.ErrNotFound):
		return ResolveResult{}, internalError("find room", err)
	}

	record, created, err := s.createRoom(ctx, listing, buyerID, pairKey)
	if err != nil {
		return ResolveResult{}, err
	}
	if !created {
		return s.resolveExisting(ctx, record, listing)
	}

	room, err := s.hydrateRoom(ctx, record, &listing)
	if err != nil {
		return ResolveResult{}, err
	}
	s.publish(ctx, Event{
		Kind:         EventNewChatRoom,
		RoomID:       room.ID,
		UserID:       buyerID,
		TargetUserID: listing.OwnerID,
		Room:         room,
	})
	return ResolveResult{Room: room, Created: true}, nil
}

// createRoom inserts the room and both participants. Losing a concurrent
// create race returns the winner's room with created=false.
func (s *Service) createRoom(ctx context.Context, listing Listing, buyerID string, pairKey string) (storage.RoomRecord, bool, error) {
	roomID, err := s.newID()
	if err != nil {
		return storage.RoomRecord{}, false, internalError("generate room id", err)
	}
	now := s.nowUTC()
	record := storage.RoomRecord{
		ID:        roomID,
		ListingID: listing.ID,
		PairKey:   pairKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	participants := []storage.ParticipantRecord{
		{UserID: buyerID, IsActive: true, JoinedAt: now, UpdatedAt: now},
		{UserID: listing.OwnerID, IsActive: true, JoinedAt: now, UpdatedAt: now},
	}
	err = s.store.CreateRoom(ctx, record, participants)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return storage.RoomRecord{}, false, internalError("create room", err)
	}
	winner, err := s.store.FindRoomByPair(ctx, listing.ID, pairKey)
	if err != nil {
		return storage.RoomRecord{}, false, internalError("reload room after conflict", err)
	}
	return winner, false, nil
}

func (s *Service) resolveExisting(ctx context.Context, record storage.RoomRecord, listing Listing) (ResolveResult, error) {
	participants, err := s.store.ListParticipants(ctx, record.ID)
	if err != nil {
		return ResolveResult{}, internalError("list participants", err)
	}

	var reactivations []storage.Reactivation
	owners := make(map[string]string)
	now := s.nowUTC()
	for _, participant := range participants {
		if participant.IsActive {
			continue
		}
		nickname, err := s.nickname(ctx, participant.UserID)
		if err != nil {
			return ResolveResult{}, err
		}
		messageID, err := s.newID()
		if err != nil {
			return ResolveResult{}, internalError("generate message id", err)
		}
		owners[messageID] = participant.UserID
		reactivations = append(reactivations, storage.Reactivation{
			UserID: participant.UserID,
			Message: storage.MessageRecord{
				ID:        messageID,
				RoomID:    record.ID,
				Content:   render.ParticipantRejoined(s.localizer, nickname),
				CreatedAt: now,
			},
		})
	}

	var rejoined []Message
	if len(reactivations) > 0 {
		stored, err := s.store.ReactivateParticipants(ctx, record.ID, reactivations, now)
		if err != nil {
			return ResolveResult{}, internalError("reactivate participants", err)
		}
		rejoined = messagesFromRecords(stored)
		record.UpdatedAt = now
	}

	room, err := s.hydrateRoom(ctx, record, &listing)
	if err != nil {
		return ResolveResult{}, err
	}
	for _, message := range rejoined {
		s.publish(ctx, Event{
			Kind:    EventUserRejoined,
			RoomID:  room.ID,
			UserID:  owners[message.ID],
			Message: message,
			Room:    room,
		})
	}
	return ResolveResult{Room: room, Rejoined: rejoined}, nil
}

// Leave deactivates userID in the room and records a system message.
func (s *Service) Leave(ctx context.Context, roomID string, userID string) (message Message, err error) {
	if err := s.configured(); err != nil {
		return Message{}, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return Message{}, ErrRoomIDRequired
	}
	if userID == "" {
		return Message{}, ErrUserIDRequired
	}

	ctx, span := startSpan(ctx, "chat.Leave",
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.user_id", userID),
	)
	defer func() { endSpan(span, err) }()

	if _, err := s.getRoom(ctx, roomID); err != nil {
		return Message{}, err
	}
	nickname, err := s.nickname(ctx, userID)
	if err != nil {
		return Message{}, err
	}
	messageID, err := s.newID()
	if err != nil {
		return Message{}, internalError("generate message id", err)
	}

	stored, err := s.store.DeactivateParticipant(ctx, roomID, userID, storage.MessageRecord{
		ID:        messageID,
		RoomID:    roomID,
		Content:   render.ParticipantLeft(s.localizer, nickname),
		CreatedAt: s.nowUTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Message{}, ErrAlreadyLeft
		}
		return Message{}, internalError("deactivate participant", err)
	}

	message = messageFromRecord(stored)
	s.publish(ctx, Event{
		Kind:    EventUserLeft,
		RoomID:  roomID,
		UserID:  userID,
		Message: message,
	})
	log.Printf("chat: participant left room=%q user=%q", roomID, userID)
	return message, nil
}

// ListMyRooms lists rooms where userID is active, latest activity first.
func (s *Service) ListMyRooms(ctx context.Context, userID string, page int, limit int) (summaries []RoomSummary, err error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	page, limit = normalizePage(page, limit, defaultRoomPageSize, maxRoomPageSize)

	ctx, span := startSpan(ctx, "chat.ListMyRooms", attribute.String("chat.user_id", userID))
	defer func() { endSpan(span, err) }()

	records, err := s.store.ListRoomSummaries(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, internalError("list rooms", err)
	}
	summaries = make([]RoomSummary, 0, len(records))
	for _, record := range records {
		room, err := s.hydrateRoom(ctx, record.Room, nil)
		if err != nil {
			return nil, err
		}
		summary := RoomSummary{Room: room, UnreadCount: record.UnreadCount}
		if record.LastMessage != nil {
			last := messageFromRecord(*record.LastMessage)
			summary.LastMessage = &last
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetRoom returns the hydrated room for any participant, active or not.
func (s *Service) GetRoom(ctx context.Context, roomID string, userID string) (Room, error) {
	if err := s.configured(); err != nil {
		return Room{}, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return Room{}, ErrRoomIDRequired
	}
	if userID == "" {
		return Room{}, ErrUserIDRequired
	}
	if _, err := s.RequireParticipant(ctx, roomID, userID); err != nil {
		return Room{}, err
	}
	record, err := s.getRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	return s.hydrateRoom(ctx, record, nil)
}
