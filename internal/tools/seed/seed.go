// Package seed loads marketplace user and listing fixtures into the chat
// database without starting the server.
package seed

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	entrypoint "github.com/louisbranch/marketchat/internal/platform/cmd"
	server "github.com/louisbranch/marketchat/internal/services/chat/app"
)

// Config holds configuration for a seed run.
type Config struct {
	DBPath string `env:"MARKETCHAT_CHAT_DB_PATH" envDefault:"data/chat.db"`
	File   string `env:"MARKETCHAT_CHAT_SEED_PATH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.File, "file", cfg.File, "JSON fixture of users and listings")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run applies the fixture in cfg.File to the database at cfg.DBPath.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if strings.TrimSpace(cfg.File) == "" {
		return errors.New("seed file is required")
	}
	store, err := server.OpenStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	users, listings, err := server.LoadSeedFile(ctx, store, cfg.File)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "seeded %d users and %d listings into %s\n", users, listings, cfg.DBPath)
	return err
}
