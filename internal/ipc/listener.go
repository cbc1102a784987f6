package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/fhir-ig/agent/internal/protocol"
)

// Handler processes one client request and returns the event stream to
// relay back to that client, plus a release function the listener calls
// once the stream has been fully drained (hands off to broker.Handle.Release).
type Handler func(ctx context.Context, req protocol.Request) (events <-chan protocol.Event, release func(), err error)

// Server is the per-cache-root Unix domain socket listener. One client
// connection carries exactly one request and its event stream.
type Server struct {
	listener net.Listener
	path     string

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// Listen binds a Unix domain socket at path, removing any stale socket
// file left behind by a crashed prior coordinator (the lock file, not this
// socket, is what actually arbitrates singleton ownership).
func Listen(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: remove stale socket %q: %w", path, err)
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %q: %w", path, err)
	}

	return &Server{listener: lis, path: path}, nil
}

// Serve accepts connections until Shutdown is called, dispatching each to
// handler on its own goroutine. It returns once the listener is closed.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			serveConn(ctx, conn, handler)
		}()
	}
}

// Shutdown stops accepting new connections, waits for in-flight ones to
// finish (or ctx to expire), then releases the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	if err := s.listener.Close(); err != nil {
		return fmt.Errorf("ipc: close listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove socket %q: %w", s.path, err)
	}
	return nil
}

func serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		writeEvent(conn, protocol.ErrorEvent("", "", fmt.Sprintf("malformed request: %v", err)))
		return
	}

	if req.Op != "ensure" {
		writeEvent(conn, protocol.UnknownOpError(req.Op))
		return
	}

	events, release, err := handler(ctx, req)
	if err != nil {
		writeEvent(conn, protocol.ErrorEvent(req.ID, req.Version, err.Error()))
		return
	}
	if release != nil {
		defer release()
	}

	for event := range events {
		if err := writeEvent(conn, event); err != nil {
			return
		}
		if event.Type.Terminal() {
			return
		}
	}
}

func writeEvent(conn net.Conn, event protocol.Event) error {
	b, err := protocol.Marshal(event)
	if err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}

// ErrClosed reports a connection to a coordinator that has shut down. Dial
// does not return it: a failed dial is reported as the wrapped net error.
var ErrClosed = errors.New("ipc: connection closed")
