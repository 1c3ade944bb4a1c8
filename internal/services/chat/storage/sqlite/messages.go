package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/marketchat/internal/services/chat/storage"
)

const messageColumns = "id, room_id, seq, sender_id, content, client_message_id, created_at"

// AppendMessage stores one user message. The sender must be an active
// participant when the transaction runs. A message whose sender already
// stored the same client message id returns the stored record with
// created=false.
func (s *Store) AppendMessage(ctx context.Context, message storage.MessageRecord) (storage.MessageRecord, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.MessageRecord{}, false, err
	}
	message.ID = strings.TrimSpace(message.ID)
	message.RoomID = strings.TrimSpace(message.RoomID)
	message.SenderID = strings.TrimSpace(message.SenderID)
	message.ClientMessageID = strings.TrimSpace(message.ClientMessageID)
	if message.ID == "" {
		return storage.MessageRecord{}, false, fmt.Errorf("message id is required")
	}
	if message.RoomID == "" {
		return storage.MessageRecord{}, false, fmt.Errorf("room id is required")
	}
	if message.SenderID == "" {
		return storage.MessageRecord{}, false, fmt.Errorf("sender id is required")
	}

	var (
		stored  storage.MessageRecord
		created bool
	)
	err := s.inTx(ctx, "append message", func(tx *sql.Tx) error {
		participant, err := getParticipant(ctx, tx, message.RoomID, message.SenderID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrNotParticipant
			}
			return err
		}
		if !participant.IsActive {
			return storage.ErrInactiveParticipant
		}

		if message.ClientMessageID != "" {
			existing, err := getMessageByClientID(ctx, tx, message.RoomID, message.SenderID, message.ClientMessageID)
			switch {
			case err == nil:
				stored = existing
				return nil
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		stored, err = insertMessageTx(ctx, tx, message)
		if err != nil {
			return err
		}
		created = true
		return touchRoomExec(ctx, tx, message.RoomID, stored.CreatedAt)
	})
	if err != nil {
		return storage.MessageRecord{}, false, err
	}
	return stored, created, nil
}

// ListMessages lists one page of room messages newest-first.
func (s *Store) ListMessages(ctx context.Context, roomID string, offset int, limit int) ([]storage.MessageRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE room_id = ?
ORDER BY created_at DESC, seq DESC
LIMIT ? OFFSET ?
`, roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows, limit)
}

// ListMessagesBefore lists up to limit messages with seq below beforeSeq,
// newest-first. A non-positive beforeSeq starts from the latest message.
func (s *Store) ListMessagesBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]storage.MessageRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	query := `
SELECT ` + messageColumns + `
FROM messages
WHERE room_id = ?
ORDER BY seq DESC
LIMIT ?
`
	args := []any{roomID, limit}
	if beforeSeq > 0 {
		query = `
SELECT ` + messageColumns + `
FROM messages
WHERE room_id = ? AND seq < ?
ORDER BY seq DESC
LIMIT ?
`
		args = []any{roomID, beforeSeq, limit}
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages before: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows, limit)
}

// CountMessages returns the number of stored messages in one room.
func (s *Store) CountMessages(ctx context.Context, roomID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE room_id = ?`, strings.TrimSpace(roomID)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// GetParticipant loads one membership row.
func (s *Store) GetParticipant(ctx context.Context, roomID string, userID string) (storage.ParticipantRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ParticipantRecord{}, err
	}
	return getParticipant(ctx, s.sqlDB, strings.TrimSpace(roomID), strings.TrimSpace(userID))
}

// ListParticipants lists the membership rows of one room in join order.
func (s *Store) ListParticipants(ctx context.Context, roomID string) ([]storage.ParticipantRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT room_id, user_id, is_active, joined_at, updated_at
FROM participants
WHERE room_id = ?
ORDER BY joined_at, user_id
`, strings.TrimSpace(roomID))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []storage.ParticipantRecord
	for rows.Next() {
		record, err := scanParticipant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return participants, nil
}

// insertMessageTx assigns the next room seq and stores the message. The
// stored created_at never precedes the latest message already in the room.
func insertMessageTx(ctx context.Context, tx *sql.Tx, message storage.MessageRecord) (storage.MessageRecord, error) {
	var (
		maxSeq     int64
		maxCreated int64
	)
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0)
FROM messages
WHERE room_id = ?
`, message.RoomID).Scan(&maxSeq, &maxCreated); err != nil {
		return storage.MessageRecord{}, fmt.Errorf("read room sequence: %w", err)
	}

	message.Seq = maxSeq + 1
	createdAt := toMillis(message.CreatedAt)
	if createdAt < maxCreated {
		createdAt = maxCreated
	}
	message.CreatedAt = fromMillis(createdAt)

	var senderID sql.NullString
	if message.SenderID != "" {
		senderID = sql.NullString{String: message.SenderID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		message.ID,
		message.RoomID,
		message.Seq,
		senderID,
		message.Content,
		message.ClientMessageID,
		createdAt,
	); err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.MessageRecord{}, storage.ErrConflict
		}
		return storage.MessageRecord{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

func getParticipant(ctx context.Context, queryer sqlQueryer, roomID string, userID string) (storage.ParticipantRecord, error) {
	if roomID == "" || userID == "" {
		return storage.ParticipantRecord{}, storage.ErrNotFound
	}
	row := queryer.QueryRowContext(ctx, `
SELECT room_id, user_id, is_active, joined_at, updated_at
FROM participants
WHERE room_id = ? AND user_id = ?
`, roomID, userID)
	record, err := scanParticipant(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ParticipantRecord{}, storage.ErrNotFound
		}
		return storage.ParticipantRecord{}, fmt.Errorf("get participant: %w", err)
	}
	return record, nil
}

func getMessageByClientID(ctx context.Context, queryer sqlQueryer, roomID string, senderID string, clientMessageID string) (storage.MessageRecord, error) {
	row := queryer.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE room_id = ? AND sender_id = ? AND client_message_id = ?
`, roomID, senderID, clientMessageID)
	record, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MessageRecord{}, storage.ErrNotFound
		}
		return storage.MessageRecord{}, fmt.Errorf("get message by client id: %w", err)
	}
	return record, nil
}

func collectMessages(rows *sql.Rows, capacity int) ([]storage.MessageRecord, error) {
	messages := make([]storage.MessageRecord, 0, capacity)
	for rows.Next() {
		record, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(scan scanner) (storage.MessageRecord, error) {
	var record storage.MessageRecord
	var senderID sql.NullString
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.RoomID,
		&record.Seq,
		&senderID,
		&record.Content,
		&record.ClientMessageID,
		&createdAt,
	); err != nil {
		return storage.MessageRecord{}, err
	}
	record.SenderID = senderID.String
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func scanParticipant(scan scanner) (storage.ParticipantRecord, error) {
	var record storage.ParticipantRecord
	var isActive int
	var joinedAt int64
	var updatedAt int64
	if err := scan(
		&record.RoomID,
		&record.UserID,
		&isActive,
		&joinedAt,
		&updatedAt,
	); err != nil {
		return storage.ParticipantRecord{}, err
	}
	record.IsActive = isActive == 1
	record.JoinedAt = fromMillis(joinedAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
