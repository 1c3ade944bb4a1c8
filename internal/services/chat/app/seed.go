package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/louisbranch/marketchat/internal/services/chat/storage"
)

// Seed is a directory fixture of marketplace users and listings.
type Seed struct {
	Users    []SeedUser    `json:"users"`
	Listings []SeedListing `json:"listings"`
}

// SeedUser is one user fixture.
type SeedUser struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// SeedListing is one listing fixture.
type SeedListing struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Title      string `json:"title"`
	BookTitle  string `json:"book_title,omitempty"`
	BookAuthor string `json:"book_author,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// LoadSeedFile reads a JSON fixture from path and upserts it.
func LoadSeedFile(ctx context.Context, store storage.DirectoryStore, path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read seed %s: %w", path, err)
	}
	return LoadSeed(ctx, store, bytes.NewReader(data))
}

// LoadSeed decodes a JSON fixture and upserts users before listings. It
// returns the number of users and listings written.
func LoadSeed(ctx context.Context, store storage.DirectoryStore, r io.Reader) (int, int, error) {
	if store == nil {
		return 0, 0, fmt.Errorf("directory store is not configured")
	}
	var seed Seed
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&seed); err != nil {
		return 0, 0, fmt.Errorf("decode seed: %w", err)
	}

	for _, user := range seed.Users {
		if err := store.PutUser(ctx, storage.UserRecord{
			ID:        user.ID,
			Nickname:  user.Nickname,
			AvatarURL: user.AvatarURL,
		}); err != nil {
			return 0, 0, fmt.Errorf("put user %q: %w", user.ID, err)
		}
	}
	for _, listing := range seed.Listings {
		if err := store.PutListing(ctx, storage.ListingRecord{
			ID:         listing.ID,
			OwnerID:    listing.OwnerID,
			Title:      listing.Title,
			BookTitle:  listing.BookTitle,
			BookAuthor: listing.BookAuthor,
			ImageURL:   listing.ImageURL,
		}); err != nil {
			return len(seed.Users), 0, fmt.Errorf("put listing %q: %w", listing.ID, err)
		}
	}
	return len(seed.Users), len(seed.Listings), nil
}
