package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type HandlerFunc func(req *Request) *Response

// Observer is told about every answered request. code is empty on success.
type Observer func(command, code string, elapsed time.Duration)

// Server answers one framed request per connection on a unix socket.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	observer Observer

	listener net.Listener
	closing  atomic.Bool
	conns    sync.WaitGroup
}

func NewServer(socketPath string, logger zerolog.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		logger:      logger.With().Str("component", "uds").Logger(),
		handlers:    make(map[string]HandlerFunc),
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Start listens on the socket path, replacing a stale socket file. The
// socket is only accessible to the owning user.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.conns.Add(1)
	go s.serve(ln)
	return nil
}

// Stop closes the listener and waits for in-flight requests.
func (s *Server) Stop() error {
	s.closing.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.conns.Wait()
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.conns.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept_failed")
			continue
		}
		s.conns.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug().Err(err).Msg("read_request_failed")
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	elapsed := time.Since(start)
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug().Err(err).Str("command", req.Command).Msg("write_response_failed")
	}

	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
	}
	s.logger.Debug().Str("command", req.Command).Str("code", code).Dur("elapsed", elapsed).Msg("request")
	s.mu.RLock()
	obs := s.observer
	s.mu.RUnlock()
	if obs != nil {
		obs(req.Command, code, elapsed)
	}
}

// dispatch routes req to its handler. A panicking handler yields an
// internal error reply.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("command", req.Command).
				Str("stack", string(debug.Stack())).Msg("handler_panic")
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	resp = handler(req)
	if resp == nil {
		resp = ErrorResponse(ErrCodeInternal, "handler returned no response")
	}
	return resp
}
