// Package server accepts DICOM associations and runs each one on its own
// goroutine until release, abort, or shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Janxz264/dicom-bridge-mx/dimse"
	"github.com/Janxz264/dicom-bridge-mx/pdu"
)

var (
	associationsAccepted = metrics.NewCounter("dicom_bridge_associations_accepted_total")
	associationsRejected = metrics.NewCounter("dicom_bridge_associations_rejected_total")
	associationsActive   = metrics.NewGauge("dicom_bridge_associations_active", nil)
)

// Server is the association listener.
type Server struct {
	host     string
	port     int
	caps     pdu.Capabilities
	registry dimse.HandlerRegistry
	logger   *slog.Logger

	maxAssociations int
	readTimeout     time.Duration

	listener net.Listener
	active   *xsync.MapOf[string, *Association]
	wg       sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMaxAssociations caps concurrently open associations; further
// connections are refused at accept time. Zero means unlimited.
func WithMaxAssociations(n int) Option {
	return func(s *Server) { s.maxAssociations = n }
}

// WithReadTimeout bounds the wait for each inbound PDU. An idle peer
// that stops sending is dropped. Zero disables the deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// New creates a server listening for the given capabilities. The
// registry supplies a handler per DIMSE command field.
func New(host string, port int, caps pdu.Capabilities, registry dimse.HandlerRegistry, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		caps:     caps,
		registry: registry,
		logger:   slog.Default(),
		active:   xsync.NewMapOf[string, *Association](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveAssociations returns the number of currently open associations.
func (s *Server) ActiveAssociations() int {
	return s.active.Size()
}

// Start binds the listener and serves until the context is cancelled.
// It blocks; cancel the context to stop. In-flight associations get an
// A-ABORT on shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("DICOM listener started", "addr", listener.Addr().String(), "ae_title", s.caps.AETitle)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.maxAssociations > 0 && s.active.Size() >= s.maxAssociations {
			s.logger.Warn("association limit reached, refusing connection",
				"remote_addr", conn.RemoteAddr().String(), "limit", s.maxAssociations)
			conn.Close()
			continue
		}

		assoc := newAssociation(ctx, conn, s.registry, s.caps, s.logger)
		assoc.layer.SetReadTimeout(s.readTimeout)
		s.active.Store(assoc.ID(), assoc)
		associationsAccepted.Inc()
		associationsActive.Set(float64(s.active.Size()))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			assoc.run(ctx)
			s.active.Delete(assoc.ID())
			associationsActive.Set(float64(s.active.Size()))
		}()
	}

	s.logger.Info("DICOM listener stopping, waiting for associations")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("shutdown timeout, abandoning remaining associations")
	}
	return nil
}
