// Package httpapi exposes the bot over a small JSON HTTP API.
//
// Successful responses are {"data": ...}; failures are
// {"error": {"message": ..., "code": ...}}.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pacebot/internal/bot"
	"pacebot/internal/eventbus"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

// Bot is what the API drives.
type Bot interface {
	State() bot.State
	Online(ctx context.Context) (bot.State, error)
	Logout(ctx context.Context) error
	Groups(ctx context.Context) ([]storage.Room, error)
	Messages(ctx context.Context, q storage.MessageQuery) ([]storage.Message, error)
	Forward(ctx context.Context, messageIDs, groupIDs []string) (string, error)
}

type Config struct {
	Enabled bool
	Addr    string
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string
	// ForwardRatePerSec caps forward requests; 0 means unlimited.
	ForwardRatePerSec float64
	ForwardBurst      int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ForwardBurst <= 0 {
		c.ForwardBurst = 1
	}
	return c
}

type Option func(*Server)

// WithStatus adds the value returned by fn to GET /api/status as "engine".
func WithStatus(fn func() any) Option {
	return func(s *Server) { s.status = fn }
}

// Server manages the API listener. Apply can be called again on reload.
type Server struct {
	bot    Bot
	log    logx.Logger
	status func() any
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	srv     *http.Server
	ln      net.Listener
	addr    string
	streams chan struct{}
}

func New(b Bot, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{bot: b, log: log.With(logx.String("comp", "httpapi"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the API routes behind auth and recovery middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/group", s.handleGroups)
	mux.HandleFunc("GET /api/message", s.handleMessages)
	mux.HandleFunc("POST /api/message/forward", s.handleForward)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	})
	return s.recoverer(s.auth(mux))
}

// Apply sets the token and limiter and starts, moves or stops the listener.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = nil
	if cfg.ForwardRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ForwardRatePerSec), cfg.ForwardBurst)
	}

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == cfg.Addr {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("api listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	streams := make(chan struct{})
	srv.RegisterOnShutdown(func() { close(streams) })
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()
	s.streams = streams

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("api server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", addr))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr, s.streams = nil, nil, "", nil

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("api shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("api stopped", logx.String("addr", addr))
}

// Addr reports the bound address while listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) config() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}
