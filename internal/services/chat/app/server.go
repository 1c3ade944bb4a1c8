package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/marketchat/internal/platform/grpc"
	"github.com/louisbranch/marketchat/internal/platform/timeouts"
	"github.com/louisbranch/marketchat/internal/services/chat/auth"
	"github.com/louisbranch/marketchat/internal/services/chat/domain"
	"github.com/louisbranch/marketchat/internal/services/chat/render"
	"github.com/louisbranch/marketchat/internal/services/chat/storage/sqlite"
)

const healthServiceName = "chat"

// Config defines the inputs for the chat process.
type Config struct {
	HTTPAddr   string
	HealthAddr string
	DBPath     string
	SeedPath   string
	Locale     string

	TypingThrottle time.Duration
	TypingExpiry   time.Duration

	Token auth.Config

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP API, the realtime websocket gateway and the
// optional gRPC health listener.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	store           *sqlite.Store
	gateway         *gateway
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server with an explicit context.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	tokens, err := auth.New(config.Token)
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}

	store, err := OpenStore(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if seedPath := strings.TrimSpace(config.SeedPath); seedPath != "" {
		users, listings, err := LoadSeedFile(ctx, store, seedPath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load seed: %w", err)
		}
		log.Printf("chat: seeded directory users=%d listings=%d path=%q", users, listings, seedPath)
	}

	service := domain.NewService(domain.Config{
		Store:     store,
		Listings:  store,
		Users:     store,
		Localizer: render.NewPrinter(config.Locale),
	})
	gw := newGateway(gatewayConfig{
		Service:        service,
		Users:          store,
		Authorizer:     newTokenAuthorizer(tokens),
		TypingThrottle: config.TypingThrottle,
		TypingExpiry:   config.TypingExpiry,
	})
	service.SetPublisher(gw)

	var health *platformgrpc.HealthServer
	if healthAddr := strings.TrimSpace(config.HealthAddr); healthAddr != "" {
		health, err = platformgrpc.ListenHealth(healthAddr, healthServiceName)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("listen health: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(gw),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		health:          health,
		store:           store,
		gateway:         gw,
	}, nil
}

// OpenStore opens the chat database at path, creating its directory first.
func OpenStore(ctx context.Context, path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.OpenContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	return store, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the health listener when
// configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	healthErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	if s.health != nil {
		log.Printf("chat health listening on %s", s.health.Addr())
		go func() {
			if err := s.health.Serve(healthCtx); err != nil {
				healthErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-healthErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		_ = s.httpServer.Shutdown(shutdownCtx)
		cancel()
		return err
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.gateway != nil {
		s.gateway.close()
	}
	if s.health != nil {
		s.health.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat store: %v", err)
		}
	}
}
