package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/marketchat/internal/services/chat/storage"
)

// PutUser upserts one directory user.
func (s *Store) PutUser(ctx context.Context, user storage.UserRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	user.ID = strings.TrimSpace(user.ID)
	user.Nickname = strings.TrimSpace(user.Nickname)
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if user.Nickname == "" {
		return fmt.Errorf("user nickname is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, nickname, avatar_url)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	nickname = excluded.nickname,
	avatar_url = excluded.avatar_url
`, user.ID, user.Nickname, strings.TrimSpace(user.AvatarURL)); err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser loads one directory user.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.UserRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.UserRecord{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	var record storage.UserRecord
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, nickname, avatar_url FROM users WHERE id = ?
`, userID).Scan(&record.ID, &record.Nickname, &record.AvatarURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UserRecord{}, storage.ErrNotFound
		}
		return storage.UserRecord{}, fmt.Errorf("get user: %w", err)
	}
	return record, nil
}

// PutListing upserts one directory listing.
func (s *Store) PutListing(ctx context.Context, listing storage.ListingRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	listing.ID = strings.TrimSpace(listing.ID)
	listing.OwnerID = strings.TrimSpace(listing.OwnerID)
	if listing.ID == "" {
		return fmt.Errorf("listing id is required")
	}
	if listing.OwnerID == "" {
		return fmt.Errorf("listing owner id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO listings (id, owner_id, title, book_title, book_author, image_url)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id,
	title = excluded.title,
	book_title = excluded.book_title,
	book_author = excluded.book_author,
	image_url = excluded.image_url
`,
		listing.ID,
		listing.OwnerID,
		listing.Title,
		listing.BookTitle,
		listing.BookAuthor,
		listing.ImageURL,
	); err != nil {
		return fmt.Errorf("put listing: %w", err)
	}
	return nil
}

// GetListing loads one directory listing.
func (s *Store) GetListing(ctx context.Context, listingID string) (storage.ListingRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ListingRecord{}, err
	}
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return storage.ListingRecord{}, storage.ErrNotFound
	}
	var record storage.ListingRecord
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, owner_id, title, book_title, book_author, image_url FROM listings WHERE id = ?
`, listingID).Scan(
		&record.ID,
		&record.OwnerID,
		&record.Title,
		&record.BookTitle,
		&record.BookAuthor,
		&record.ImageURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ListingRecord{}, storage.ErrNotFound
		}
		return storage.ListingRecord{}, fmt.Errorf("get listing: %w", err)
	}
	return record, nil
}
