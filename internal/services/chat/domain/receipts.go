package domain

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// MarkAllRead records receipts for every pending message authored by another
// user. It is idempotent and publishes nothing.
func (s *Service) MarkAllRead(ctx context.Context, roomID string, userID string) (count int, err error) {
	if err := s.configured(); err != nil {
		return 0, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return 0, ErrRoomIDRequired
	}
	if userID == "" {
		return 0, ErrUserIDRequired
	}

	ctx, span := startSpan(ctx, "chat.MarkAllRead", attribute.String("chat.room_id", roomID))
	defer func() { endSpan(span, err) }()

	if _, err := s.RequireParticipant(ctx, roomID, userID); err != nil {
		return 0, err
	}
	count, err = s.store.MarkAllRead(ctx, roomID, userID, s.nowUTC())
	if err != nil {
		return 0, internalError("mark all read", err)
	}
	return count, nil
}

// UnreadCount counts messages from other users that userID has not read.
func (s *Service) UnreadCount(ctx context.Context, roomID string, userID string) (int, error) {
	if err := s.configured(); err != nil {
		return 0, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return 0, ErrRoomIDRequired
	}
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	if _, err := s.RequireParticipant(ctx, roomID, userID); err != nil {
		return 0, err
	}
	count, err := s.store.CountUnread(ctx, roomID, userID)
	if err != nil {
		return 0, internalError("count unread", err)
	}
	return count, nil
}
