package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/gregLibert/strongbox-bridge/pkg/transport"
)

// Server exposes an Applet on a stream listener using the framing of
// transport.WriteFrame. Each accepted connection starts with the applet
// deselected.
type Server struct {
	applet *Applet
	log    *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server for applet. A nil logger selects slog.Default.
func NewServer(applet *Applet, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		applet: applet,
		log:    log.With("component", "emulator-server"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on network/addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	l, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("emulator: listen %s %s: %w", network, addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done, then closes the listener
// and every open connection. It returns nil on cancellation.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.log.Info("emulator listening", "addr", l.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
		s.closeAll()
	})
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("emulator: accept: %w", err)
		}

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	log := s.log.With("conn", uuid.NewString(), "peer", conn.RemoteAddr().String())
	log.Debug("connection accepted")
	s.applet.Reset()

	for {
		cmd, err := transport.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("reading frame failed", "error", err)
			}
			return
		}
		resp := s.applet.Process(cmd)
		if err := transport.WriteFrame(conn, resp); err != nil {
			log.Warn("writing frame failed", "error", err)
			return
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	_ = conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}
