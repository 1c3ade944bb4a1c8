package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louisbranch/marketchat/internal/services/chat/storage/sqlite"
)

func TestLoadSeedUpsertsDirectory(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	ctx := context.Background()

	users, listings, err := LoadSeed(ctx, store, strings.NewReader(testSeed))
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if users != 3 || listings != 1 {
		t.Fatalf("seeded %d users %d listings, want 3/1", users, listings)
	}

	renamed := `{"users":[{"id":"user-7","nickname":"Ana Clara"}]}`
	if _, _, err := LoadSeed(ctx, store, strings.NewReader(renamed)); err != nil {
		t.Fatalf("reload seed: %v", err)
	}
	user, err := store.GetUser(ctx, anaID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Nickname != "Ana Clara" {
		t.Fatalf("nickname = %q, want upserted value", user.Nickname)
	}
}

func TestLoadSeedRejectsInvalidFixtures(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	tests := map[string]string{
		"malformed":     `{"users":`,
		"unknown field": `{"people":[]}`,
		"no nickname":   `{"users":[{"id":"user-1"}]}`,
	}
	for name, fixture := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := LoadSeed(context.Background(), store, strings.NewReader(fixture)); err == nil {
				t.Fatal("expected seed error")
			}
		})
	}
	if _, _, err := LoadSeed(context.Background(), nil, strings.NewReader(testSeed)); err == nil {
		t.Fatal("expected error for nil store")
	}
}
