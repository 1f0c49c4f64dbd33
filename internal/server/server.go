// Package server accepts validator connections and runs one session per connection.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	DefaultListenAddr  = "127.0.0.1:8080"
	DefaultMaxSessions = 256
)

// Handler serves one accepted connection. The server closes conn after Serve returns.
type Handler interface {
	Serve(ctx context.Context, conn net.Conn) error
}

type Config struct {
	ListenAddr  string
	MaxSessions int
}

// SessionInfo describes a connected session.
type SessionInfo struct {
	RemoteAddr  string `json:"remoteAddr"`
	ConnectedAt int64  `json:"connectedAt"`
}

type Server struct {
	cfg     Config
	log     *slog.Logger
	handler Handler

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	sessions map[string]session
}

type session struct {
	conn        net.Conn
	connectedAt time.Time
}

func New(cfg Config, log *slog.Logger, handler Handler) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("ListenAddr is required")
	}
	if cfg.MaxSessions <= 0 || cfg.MaxSessions > 65536 {
		return nil, errors.New("MaxSessions out of range")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		log:      log.With("component", "server"),
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]session),
	}, nil
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.log.Info("listening for validators",
		"addr", ln.Addr().String(),
		"maxSessions", s.cfg.MaxSessions,
	)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, disconnects every session and waits for them to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("server stopped")
	return nil
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions lists connected sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for key, sess := range s.sessions {
		out = append(out, SessionInfo{
			RemoteAddr:  key,
			ConnectedAt: sess.connectedAt.Unix(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].RemoteAddr < out[j].RemoteAddr
	})
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "err", err)
			continue
		}

		if !s.tryRegister(conn) {
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) tryRegister(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	key := conn.RemoteAddr().String()
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.log.Warn("session rejected: max sessions reached", "remote", key)
		return false
	}

	s.sessions[key] = session{conn: conn, connectedAt: time.Now().UTC()}
	s.log.Info("session connected", "remote", key, "sessions", len(s.sessions))
	return true
}

func (s *Server) unregister(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conn.RemoteAddr().String()
	if _, ok := s.sessions[key]; ok {
		delete(s.sessions, key)
		s.log.Info("session disconnected", "remote", key, "sessions", len(s.sessions))
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.unregister(conn)
	}()

	if err := s.handler.Serve(s.ctx, conn); err != nil {
		s.log.Warn("session ended with error", "remote", conn.RemoteAddr().String(), "err", err)
	}
}
