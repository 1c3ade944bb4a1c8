// Package chattoken issues identity tokens for local chat clients and
// generates signing secrets.
package chattoken

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/marketchat/internal/platform/cmd"
	"github.com/louisbranch/marketchat/internal/services/chat/auth"
)

// Config holds configuration for token issuance.
type Config struct {
	Secret string        `env:"MARKETCHAT_AUTH_TOKEN_SECRET"`
	Issuer string        `env:"MARKETCHAT_AUTH_TOKEN_ISSUER" envDefault:"marketchat"`
	TTL    time.Duration `env:"MARKETCHAT_AUTH_TOKEN_TTL"    envDefault:"24h"`

	UserID      string
	NewSecret   bool
	SecretBytes int
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{SecretBytes: 32}
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "user id to issue a token for")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	fs.BoolVar(&cfg.NewSecret, "new-secret", cfg.NewSecret, "print a fresh signing secret instead of a token")
	fs.IntVar(&cfg.SecretBytes, "bytes", cfg.SecretBytes, "random bytes in a generated secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run writes either a new secret or a signed token for cfg.UserID to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.NewSecret {
		return writeSecret(cfg.SecretBytes, out, reader)
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return errors.New("user is required")
	}
	tokens, err := auth.New(auth.Config{
		Issuer: cfg.Issuer,
		Secret: []byte(cfg.Secret),
		TTL:    cfg.TTL,
	})
	if err != nil {
		return err
	}
	token, err := tokens.Issue(cfg.UserID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func writeSecret(size int, out io.Writer, reader io.Reader) error {
	if size <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "MARKETCHAT_AUTH_TOKEN_SECRET=%s\n", hex.EncodeToString(buf))
	return err
}
