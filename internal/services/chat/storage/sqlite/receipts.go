package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MarkAllRead inserts one receipt for every message in the room authored by
// another user that userID has not read yet. System messages never receive
// receipts. It returns the number of receipts written.
func (s *Store) MarkAllRead(ctx context.Context, roomID string, userID string, readAt time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return 0, fmt.Errorf("room id is required")
	}
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO read_receipts (message_id, user_id, read_at)
SELECT m.id, ?, ?
FROM messages m
WHERE m.room_id = ?
  AND m.sender_id IS NOT NULL
  AND m.sender_id <> ?
  AND NOT EXISTS (
      SELECT 1 FROM read_receipts r
      WHERE r.message_id = m.id AND r.user_id = ?
  )
`, userID, toMillis(readAt), roomID, userID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all read rows: %w", err)
	}
	return int(affected), nil
}

// CountUnread counts messages authored by other users in the room that lack
// a receipt from userID.
func (s *Store) CountUnread(ctx context.Context, roomID string, userID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return 0, fmt.Errorf("room id and user id are required")
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM messages m
WHERE m.room_id = ?
  AND m.sender_id IS NOT NULL
  AND m.sender_id <> ?
  AND NOT EXISTS (
      SELECT 1 FROM read_receipts r
      WHERE r.message_id = m.id AND r.user_id = ?
  )
`, roomID, userID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
