package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-relay/internal/backend"
	"github.com/lexiqai/transcript-relay/internal/observability"
)

// ServerConfig bounds and tunes the sessions a Server accepts
type ServerConfig struct {
	MaxSessions   int // 0 means unlimited
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	Session       SessionConfig
}

// Server upgrades HTTP requests to WebSocket and runs a Session for each
// client. Every session shares one Registry.
type Server struct {
	registry      *Registry
	dialer        backend.Dialer
	newTranscoder TranscoderFactory
	cfg           ServerConfig
	upgrader      websocket.Upgrader
	slots         chan struct{}
	logger        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a relay server
func NewServer(dialer backend.Dialer, newTranscoder TranscoderFactory, cfg ServerConfig) *Server {
	logger := observability.ForComponent("relay")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		registry:      NewRegistry(logger),
		dialer:        dialer,
		newTranscoder: newTranscoder,
		cfg:           cfg,
		upgrader: websocket.Upgrader{
			// Clients are local capture tools and overlays; there is no
			// browser origin to check.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MaxSessions > 0 {
		s.slots = make(chan struct{}, cfg.MaxSessions)
	}
	return s
}

// Registry returns the set of sessions receiving broadcasts
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP handles one client connection for its whole lifetime
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		observability.RecordRejectedSession()
		s.logger.Warn().
			Str("remote_addr", r.RemoteAddr).
			Int("max_sessions", s.cfg.MaxSessions).
			Msg("Rejecting client, session limit reached")
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	wc := newWSConn(conn, s.cfg.MaxFrameBytes, s.cfg.WriteTimeout, s.logger)
	session := NewSession(wc, s.registry, s.dialer, s.newTranscoder, s.cfg.Session)
	session.logger = session.logger.With().Str("remote_addr", r.RemoteAddr).Logger()

	if err := session.Run(s.ctx); err != nil {
		s.logger.Debug().Err(err).Str("session_id", session.ID()).Msg("Session setup aborted")
	}
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
		default:
			return false
		}
	}
	s.wg.Add(1)
	return true
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
	s.wg.Done()
}

// Close stops accepting sessions and tears down the running ones
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until every session has closed
func (s *Server) Wait() {
	s.wg.Wait()
}
