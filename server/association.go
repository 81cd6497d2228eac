package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Janxz264/dicom-bridge-mx/dimse"
	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/pdu"
)

// AssociationState is the lifecycle phase of one inbound association.
type AssociationState int32

const (
	StateIdle AssociationState = iota
	StateNegotiating
	StateOpen
	StateClosing
	StateClosed
	StateRejected
	StateAborted
)

func (s AssociationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var validTransitions = map[AssociationState][]AssociationState{
	StateIdle:        {StateNegotiating},
	StateNegotiating: {StateOpen, StateRejected, StateAborted},
	StateOpen:        {StateClosing, StateAborted},
	StateClosing:     {StateClosed},
}

// Association drives one accepted connection through negotiation, the
// DIMSE loop, and teardown. State transitions are serialized; the data
// plane never observes a half-closed session.
type Association struct {
	conn    net.Conn
	layer   *pdu.Layer
	service *dimse.Service
	logger  *slog.Logger

	mu      sync.Mutex
	state   AssociationState
	started time.Time
}

func newAssociation(ctx context.Context, conn net.Conn, registry dimse.HandlerRegistry, caps pdu.Capabilities, logger *slog.Logger) *Association {
	service := dimse.NewService(ctx, registry, conn.RemoteAddr().String(), logger)
	a := &Association{
		conn:    conn,
		service: service,
		logger:  logger.With("association_id", service.AssociationID(), "remote_addr", conn.RemoteAddr().String()),
		state:   StateIdle,
		started: time.Now(),
	}
	a.layer = pdu.NewLayer(conn, service, caps, a.logger)
	return a
}

// ID returns the association identifier.
func (a *Association) ID() string {
	return a.service.AssociationID()
}

// State returns the current lifecycle phase.
func (a *Association) State() AssociationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Association) transition(to AssociationState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, allowed := range validTransitions[a.state] {
		if allowed == to {
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid association transition %s -> %s", a.state, to)
}

// run executes the association lifecycle. The connection is closed and
// partial transfer state discarded before it returns.
func (a *Association) run(ctx context.Context) {
	defer a.conn.Close()
	defer a.service.Close()

	if err := a.transition(StateNegotiating); err != nil {
		a.logger.Error("association state error", "error", err)
		return
	}

	if err := a.layer.Negotiate(); err != nil {
		var negErr *dicomerr.NegotiationError
		if errors.As(err, &negErr) {
			a.transition(StateRejected)
			associationsRejected.Inc()
			a.logger.Info("association rejected",
				"reason", negErr.Reason.String(),
				"detail", negErr.Msg)
		} else {
			a.transition(StateAborted)
			a.logger.Warn("association negotiation failed", "error", err)
		}
		return
	}

	if err := a.transition(StateOpen); err != nil {
		a.logger.Error("association state error", "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.layer.Abort()
			a.conn.Close()
		case <-done:
		}
	}()

	err := a.layer.Run()
	close(done)

	if err != nil {
		a.transition(StateAborted)
		a.logger.Warn("association terminated", "error", err, "duration", time.Since(a.started))
		return
	}
	a.transition(StateClosing)
	a.transition(StateClosed)
	a.logger.Info("association released", "duration", time.Since(a.started))
}
