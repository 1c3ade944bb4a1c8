package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/marketchat/internal/services/chat/storage"
)

// CreateRoom atomically persists one room with its participants.
// A room already stored for the same listing and pair returns ErrConflict.
func (s *Store) CreateRoom(ctx context.Context, room storage.RoomRecord, participants []storage.ParticipantRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	room.ID = strings.TrimSpace(room.ID)
	room.ListingID = strings.TrimSpace(room.ListingID)
	room.PairKey = strings.TrimSpace(room.PairKey)
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}
	if room.ListingID == "" {
		return fmt.Errorf("listing id is required")
	}
	if room.PairKey == "" {
		return fmt.Errorf("pair key is required")
	}
	if len(participants) == 0 {
		return fmt.Errorf("participants are required")
	}

	return s.inTx(ctx, "create room", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO rooms (id, listing_id, pair_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
`, room.ID, room.ListingID, room.PairKey, toMillis(room.CreatedAt), toMillis(room.UpdatedAt)); err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert room: %w", err)
		}
		for _, participant := range participants {
			if strings.TrimSpace(participant.UserID) == "" {
				return fmt.Errorf("participant user id is required")
			}
			if err := putParticipantExec(ctx, tx, room.ID, participant); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRoom loads one room by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (storage.RoomRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.RoomRecord{}, err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return storage.RoomRecord{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, listing_id, pair_key, created_at, updated_at
FROM rooms
WHERE id = ?
`, roomID)
	record, err := scanRoom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.RoomRecord{}, storage.ErrNotFound
		}
		return storage.RoomRecord{}, fmt.Errorf("get room: %w", err)
	}
	return record, nil
}

// FindRoomByPair loads the room for one listing and unordered user pair.
func (s *Store) FindRoomByPair(ctx context.Context, listingID string, pairKey string) (storage.RoomRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.RoomRecord{}, err
	}
	listingID = strings.TrimSpace(listingID)
	pairKey = strings.TrimSpace(pairKey)
	if listingID == "" || pairKey == "" {
		return storage.RoomRecord{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, listing_id, pair_key, created_at, updated_at
FROM rooms
WHERE listing_id = ? AND pair_key = ?
`, listingID, pairKey)
	record, err := scanRoom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.RoomRecord{}, storage.ErrNotFound
		}
		return storage.RoomRecord{}, fmt.Errorf("find room by pair: %w", err)
	}
	return record, nil
}

// ReactivateParticipants flips each listed inactive participant back to
// active and appends its system message, all in one transaction. Participants
// already active when the transaction runs are skipped; the returned messages
// cover only the rows that flipped.
func (s *Store) ReactivateParticipants(ctx context.Context, roomID string, reactivations []storage.Reactivation, at time.Time) ([]storage.MessageRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if len(reactivations) == 0 {
		return nil, nil
	}

	var appended []storage.MessageRecord
	err := s.inTx(ctx, "reactivate participants", func(tx *sql.Tx) error {
		for _, reactivation := range reactivations {
			result, err := tx.ExecContext(ctx, `
UPDATE participants
SET is_active = 1, updated_at = ?
WHERE room_id = ? AND user_id = ? AND is_active = 0
`, toMillis(at), roomID, reactivation.UserID)
			if err != nil {
				return fmt.Errorf("reactivate participant: %w", err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("reactivate participant rows: %w", err)
			}
			if affected == 0 {
				continue
			}
			message := reactivation.Message
			message.RoomID = roomID
			message.SenderID = ""
			stored, err := insertMessageTx(ctx, tx, message)
			if err != nil {
				return err
			}
			appended = append(appended, stored)
		}
		if len(appended) == 0 {
			return nil
		}
		return touchRoomExec(ctx, tx, roomID, at)
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// DeactivateParticipant flips one active participant to inactive and appends
// its system message in one transaction. A participant that is missing or
// already inactive returns ErrNotFound.
func (s *Store) DeactivateParticipant(ctx context.Context, roomID string, userID string, message storage.MessageRecord) (storage.MessageRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.MessageRecord{}, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return storage.MessageRecord{}, storage.ErrNotFound
	}

	var stored storage.MessageRecord
	err := s.inTx(ctx, "deactivate participant", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE participants
SET is_active = 0, updated_at = ?
WHERE room_id = ? AND user_id = ? AND is_active = 1
`, toMillis(message.CreatedAt), roomID, userID)
		if err != nil {
			return fmt.Errorf("deactivate participant: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivate participant rows: %w", err)
		}
		if affected == 0 {
			return storage.ErrNotFound
		}
		message.RoomID = roomID
		message.SenderID = ""
		stored, err = insertMessageTx(ctx, tx, message)
		if err != nil {
			return err
		}
		return touchRoomExec(ctx, tx, roomID, stored.CreatedAt)
	})
	if err != nil {
		return storage.MessageRecord{}, err
	}
	return stored, nil
}

// ListRoomSummaries lists the rooms where userID is an active participant,
// most recent activity first, with each room's latest message and the
// user's unread count.
func (s *Store) ListRoomSummaries(ctx context.Context, userID string, offset int, limit int) ([]storage.RoomSummaryRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT r.id, r.listing_id, r.pair_key, r.created_at, r.updated_at,
       lm.id, lm.seq, lm.sender_id, lm.content, lm.client_message_id, lm.created_at,
       (
           SELECT COUNT(1)
           FROM messages u
           WHERE u.room_id = r.id
             AND u.sender_id IS NOT NULL
             AND u.sender_id <> p.user_id
             AND NOT EXISTS (
                 SELECT 1 FROM read_receipts rr
                 WHERE rr.message_id = u.id AND rr.user_id = p.user_id
             )
       ) AS unread_count
FROM participants p
JOIN rooms r ON r.id = p.room_id
LEFT JOIN messages lm ON lm.id = (
    SELECT m.id FROM messages m
    WHERE m.room_id = r.id
    ORDER BY m.seq DESC
    LIMIT 1
)
WHERE p.user_id = ? AND p.is_active = 1
ORDER BY COALESCE(lm.created_at, r.updated_at) DESC, r.id DESC
LIMIT ? OFFSET ?
`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list room summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]storage.RoomSummaryRecord, 0, limit)
	for rows.Next() {
		var (
			summary       storage.RoomSummaryRecord
			roomCreatedAt int64
			roomUpdatedAt int64
			lastID        sql.NullString
			lastSeq       sql.NullInt64
			lastSender    sql.NullString
			lastContent   sql.NullString
			lastClientID  sql.NullString
			lastCreatedAt sql.NullInt64
		)
		if err := rows.Scan(
			&summary.Room.ID,
			&summary.Room.ListingID,
			&summary.Room.PairKey,
			&roomCreatedAt,
			&roomUpdatedAt,
			&lastID,
			&lastSeq,
			&lastSender,
			&lastContent,
			&lastClientID,
			&lastCreatedAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan room summary row: %w", err)
		}
		summary.Room.CreatedAt = fromMillis(roomCreatedAt)
		summary.Room.UpdatedAt = fromMillis(roomUpdatedAt)
		if lastID.Valid {
			summary.LastMessage = &storage.MessageRecord{
				ID:              lastID.String,
				RoomID:          summary.Room.ID,
				Seq:             lastSeq.Int64,
				SenderID:        lastSender.String,
				Content:         lastContent.String,
				ClientMessageID: lastClientID.String,
				CreatedAt:       fromMillis(lastCreatedAt.Int64),
			}
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room summary rows: %w", err)
	}
	return summaries, nil
}

func putParticipantExec(ctx context.Context, execer sqlExecer, roomID string, record storage.ParticipantRecord) error {
	_, err := execer.ExecContext(ctx, `
INSERT INTO participants (room_id, user_id, is_active, joined_at, updated_at)
VALUES (?, ?, ?, ?, ?)
`,
		roomID,
		strings.TrimSpace(record.UserID),
		boolToInt(record.IsActive),
		toMillis(record.JoinedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// touchRoomExec moves room.updated_at forward; it never moves it back.
func touchRoomExec(ctx context.Context, execer sqlExecer, roomID string, at time.Time) error {
	if _, err := execer.ExecContext(ctx, `
UPDATE rooms SET updated_at = MAX(updated_at, ?) WHERE id = ?
`, toMillis(at), roomID); err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

func scanRoom(scan scanner) (storage.RoomRecord, error) {
	var record storage.RoomRecord
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.ListingID,
		&record.PairKey,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.RoomRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
