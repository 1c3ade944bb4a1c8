package domain

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/louisbranch/marketchat/internal/services/chat/storage"
	"go.opentelemetry.io/otel/attribute"
)

// SendMessage appends one user message and publishes it after commit. A
// resend carrying an already stored ClientMessageID returns the stored
// message without publishing again.
func (s *Service) SendMessage(ctx context.Context, input SendInput) (message Message, err error) {
	if err := s.configured(); err != nil {
		return Message{}, err
	}
	roomID := strings.TrimSpace(input.RoomID)
	senderID := strings.TrimSpace(input.SenderID)
	content := strings.TrimSpace(input.Content)
	clientMessageID := strings.TrimSpace(input.ClientMessageID)
	if roomID == "" {
		return Message{}, ErrRoomIDRequired
	}
	if senderID == "" {
		return Message{}, ErrUserIDRequired
	}
	if content == "" {
		return Message{}, ErrContentRequired
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return Message{}, ErrContentTooLong
	}
	if utf8.RuneCountInString(clientMessageID) > MaxClientMessageIDRunes {
		return Message{}, ErrClientMessageIDTooLong
	}

	ctx, span := startSpan(ctx, "chat.SendMessage",
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.user_id", senderID),
	)
	defer func() { endSpan(span, err) }()

	messageID, err := s.newID()
	if err != nil {
		return Message{}, internalError("generate message id", err)
	}
	stored, created, err := s.store.AppendMessage(ctx, storage.MessageRecord{
		ID:              messageID,
		RoomID:          roomID,
		SenderID:        senderID,
		Content:         content,
		ClientMessageID: clientMessageID,
		CreatedAt:       s.nowUTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInactiveParticipant):
			return Message{}, ErrInactiveParticipant
		case errors.Is(err, storage.ErrNotParticipant):
			if _, roomErr := s.getRoom(ctx, roomID); roomErr != nil {
				return Message{}, roomErr
			}
			return Message{}, ErrNotParticipant
		default:
			return Message{}, internalError("append message", err)
		}
	}

	message = messageFromRecord(stored)
	if created {
		s.publish(ctx, Event{
			Kind:    EventNewMessage,
			RoomID:  roomID,
			UserID:  senderID,
			Message: message,
		})
	}
	return message, nil
}

// ListMessages returns one newest-first page of room messages for any
// participant. Pages start at 1.
func (s *Service) ListMessages(ctx context.Context, roomID string, requesterID string, page int, limit int) (result MessagePage, err error) {
	if err := s.configured(); err != nil {
		return MessagePage{}, err
	}
	roomID = strings.TrimSpace(roomID)
	requesterID = strings.TrimSpace(requesterID)
	if roomID == "" {
		return MessagePage{}, ErrRoomIDRequired
	}
	if requesterID == "" {
		return MessagePage{}, ErrUserIDRequired
	}
	page, limit = normalizePage(page, limit, defaultMessagePageSize, maxMessagePageSize)

	ctx, span := startSpan(ctx, "chat.ListMessages", attribute.String("chat.room_id", roomID))
	defer func() { endSpan(span, err) }()

	if _, err := s.RequireParticipant(ctx, roomID, requesterID); err != nil {
		return MessagePage{}, err
	}
	total, err := s.store.CountMessages(ctx, roomID)
	if err != nil {
		return MessagePage{}, internalError("count messages", err)
	}
	records, err := s.store.ListMessages(ctx, roomID, (page-1)*limit, limit)
	if err != nil {
		return MessagePage{}, internalError("list messages", err)
	}
	return MessagePage{
		Messages:    messagesFromRecords(records),
		HasNextPage: page*limit < total,
		Total:       total,
	}, nil
}

// HistoryBefore returns up to limit messages older than beforeSeq,
// newest-first. A non-positive beforeSeq starts from the latest message.
func (s *Service) HistoryBefore(ctx context.Context, roomID string, requesterID string, beforeSeq int64, limit int) (HistoryPage, error) {
	if err := s.configured(); err != nil {
		return HistoryPage{}, err
	}
	roomID = strings.TrimSpace(roomID)
	requesterID = strings.TrimSpace(requesterID)
	if roomID == "" {
		return HistoryPage{}, ErrRoomIDRequired
	}
	if requesterID == "" {
		return HistoryPage{}, ErrUserIDRequired
	}
	_, limit = normalizePage(1, limit, defaultMessagePageSize, maxMessagePageSize)

	if _, err := s.RequireParticipant(ctx, roomID, requesterID); err != nil {
		return HistoryPage{}, err
	}
	records, err := s.store.ListMessagesBefore(ctx, roomID, beforeSeq, limit+1)
	if err != nil {
		return HistoryPage{}, internalError("list messages before", err)
	}
	page := HistoryPage{}
	if len(records) > limit {
		page.HasMore = true
		records = records[:limit]
	}
	page.Messages = messagesFromRecords(records)
	return page, nil
}
