// Package chat parses chat command flags and composes the chat server.
package chat

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/marketchat/internal/platform/cmd"
	"github.com/louisbranch/marketchat/internal/services/chat/auth"
	server "github.com/louisbranch/marketchat/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr       string        `env:"MARKETCHAT_CHAT_HTTP_ADDR"       envDefault:":8086"`
	HealthAddr     string        `env:"MARKETCHAT_CHAT_HEALTH_ADDR"`
	DBPath         string        `env:"MARKETCHAT_CHAT_DB_PATH"         envDefault:"data/chat.db"`
	SeedPath       string        `env:"MARKETCHAT_CHAT_SEED_PATH"`
	Locale         string        `env:"MARKETCHAT_CHAT_LOCALE"          envDefault:"en-US"`
	TypingThrottle time.Duration `env:"MARKETCHAT_CHAT_TYPING_THROTTLE" envDefault:"2s"`
	TypingExpiry   time.Duration `env:"MARKETCHAT_CHAT_TYPING_EXPIRY"   envDefault:"5s"`

	TokenSecret string        `env:"MARKETCHAT_AUTH_TOKEN_SECRET"`
	TokenIssuer string        `env:"MARKETCHAT_AUTH_TOKEN_ISSUER" envDefault:"marketchat"`
	TokenTTL    time.Duration `env:"MARKETCHAT_AUTH_TOKEN_TTL"    envDefault:"24h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.SeedPath, "seed", cfg.SeedPath, "JSON file of users and listings to load at startup")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "locale for system messages")
	fs.DurationVar(&cfg.TypingThrottle, "typing-throttle", cfg.TypingThrottle, "minimum interval between relayed typing starts")
	fs.DurationVar(&cfg.TypingExpiry, "typing-expiry", cfg.TypingExpiry, "typing indicator lifetime without a refresh")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TokenSecret) == "" {
		return errors.New("MARKETCHAT_AUTH_TOKEN_SECRET is required")
	}
	if c.TypingThrottle <= 0 || c.TypingExpiry <= 0 {
		return errors.New("typing intervals must be positive")
	}
	return nil
}

// ServerConfig maps command configuration to the chat server.
func (c Config) ServerConfig() server.Config {
	return server.Config{
		HTTPAddr:       c.HTTPAddr,
		HealthAddr:     c.HealthAddr,
		DBPath:         c.DBPath,
		SeedPath:       c.SeedPath,
		Locale:         c.Locale,
		TypingThrottle: c.TypingThrottle,
		TypingExpiry:   c.TypingExpiry,
		Token: auth.Config{
			Issuer: c.TokenIssuer,
			Secret: []byte(c.TokenSecret),
			TTL:    c.TokenTTL,
		},
	}
}

// Run builds the chat server and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		if err := server.Run(ctx, cfg.ServerConfig()); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
