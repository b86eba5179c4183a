package uds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/mergequeue/internal/model"
)

// HandlerFunc serves one request. ctx is cancelled when the connection
// deadline passes or the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	stopOnce    sync.Once

	logger   *log.Logger
	logLevel atomic.Int32
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.Default(),
	}
	s.logLevel.Store(int32(model.LogLevelInfo))
	return s
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetLogger routes server logs through logger. Must be called before Start.
func (s *Server) SetLogger(logger *log.Logger, level model.LogLevel) {
	s.logger = logger
	s.logLevel.Store(int32(level))
}

func (s *Server) SetLogLevel(level model.LogLevel) { s.logLevel.Store(int32(level)) }

func (s *Server) SocketPath() string { return s.socketPath }

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path. A socket file left by a previous process
// is replaced; any other file at that path is an error.
func (s *Server) Start() error {
	if info, err := os.Lstat(s.socketPath); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path %s exists and is not a socket", s.socketPath)
		}
		s.log(model.LogLevelWarn, "removing stale socket file %s", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener, waits for in-flight connections and removes the
// socket file. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		if s.listener != nil {
			_ = os.Remove(s.socketPath)
		}
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log(model.LogLevelWarn, "accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log(model.LogLevelWarn, "read request error: %v", err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	resp := s.dispatch(ctx, &req)

	if err := WriteFrame(conn, resp); err != nil {
		s.log(model.LogLevelWarn, "write response error: %v", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log(model.LogLevelError, "panic in handler %q: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("internal error handling %q", req.Command))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		)
	}

	s.log(model.LogLevelDebug, "request command=%s", req.Command)
	resp = handler(ctx, req)
	if resp == nil {
		resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler for %q returned no response", req.Command))
	}
	return resp
}

func (s *Server) log(level model.LogLevel, format string, args ...any) {
	if s.logger == nil || level < model.LogLevel(s.logLevel.Load()) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s uds_server: %s", time.Now().Format(time.RFC3339), level, msg)
}
