// Package server is the listener entrypoint: it accepts connections
// and hands each one to a handler.Handler running in its own
// goroutine, tracking in-flight connections so Close can wait for them
// to finish.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/handler"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
)

// Server owns a listener and dispatches accepted connections to a
// handler.Handler.
type Server struct {
	Handler *handler.Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   chan struct{}
}

// New builds a Server that will dispatch to h once started.
func New(h *handler.Handler) *Server {
	return &Server{Handler: h, closed: make(chan struct{})}
}

// ListenAndServe listens on address and serves until ctx is canceled
// or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled or Close is
// called, dispatching each to Handler.HandleConnection in its own
// goroutine. Serve takes ownership of ln and closes it before
// returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	logger.Info("listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handler.HandleConnection(ctx, conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight
// connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
		close(s.closed)
	}
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}
