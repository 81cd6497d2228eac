// Package errors provides the bridge's error taxonomy. Each type maps a
// failure class to the DICOM status or reject code reported to the
// remote endpoint.
package errors

import (
	"errors"
	"fmt"

	"github.com/Janxz264/dicom-bridge-mx/types"
)

// Common sentinel errors.
var (
	ErrConnectionClosed  = errors.New("dicom: connection closed")
	ErrInvalidPDU        = errors.New("dicom: invalid PDU")
	ErrInvalidMessage    = errors.New("dicom: invalid DIMSE message")
	ErrTransferComplete  = errors.New("dicom: transfer already complete")
	ErrDuplicateFragment = errors.New("dicom: duplicate fragment sequence number")
)

// RejectReason is the A-ASSOCIATE-RJ reason byte (PS3.8 9.3.4).
type RejectReason byte

const (
	RejectNoReasonGiven           RejectReason = 0x01
	RejectAppContextNotSupported  RejectReason = 0x02
	RejectCallingAENotRecognized  RejectReason = 0x03
	RejectCalledAENotRecognized   RejectReason = 0x07
)

func (r RejectReason) String() string {
	switch r {
	case RejectNoReasonGiven:
		return "no-reason-given"
	case RejectAppContextNotSupported:
		return "application-context-not-supported"
	case RejectCallingAENotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectCalledAENotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// NegotiationError means association setup was refused: a requested role,
// object class, or endpoint identity is outside the configured
// capabilities. Non-retryable; the remote gets an A-ASSOCIATE-RJ and no
// partial state remains.
type NegotiationError struct {
	Reason RejectReason
	Msg    string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("association rejected: %s (reason: %s)", e.Msg, e.Reason)
}

// NewNegotiationError builds a NegotiationError.
func NewNegotiationError(reason RejectReason, msg string) *NegotiationError {
	return &NegotiationError{Reason: reason, Msg: msg}
}

// QueryError means a worklist query could not be answered: the backing
// store failed, the query timed out, or the identifier carried a
// malformed or unrecognized constraint. Reported to the requester as a
// C-FIND failure status; never retried internally.
type QueryError struct {
	Status uint16 // DIMSE status returned to the association
	Op     string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("worklist query failed during %s: %v (status 0x%04X)", e.Op, e.Err, e.Status)
}

func (e *QueryError) Unwrap() error { return e.Err }

// NewQueryError wraps a backing-store or translation failure.
func NewQueryError(op string, status uint16, err error) *QueryError {
	return &QueryError{Status: status, Op: op, Err: err}
}

// NewMalformedQueryError marks a fail-closed constraint rejection.
func NewMalformedQueryError(op string, err error) *QueryError {
	return &QueryError{Status: types.StatusCannotUnderstand, Op: op, Err: err}
}

// ValidationError means a received object failed post-reassembly checks.
// The transfer is rejected and no forward job is created.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("object validation failed: %s: %s", e.Field, e.Msg)
}

// NewValidationError builds a ValidationError for a missing or
// inconsistent attribute.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// TransportError wraps a network failure. On the receive side it aborts
// the transfer; on the forward side it is retryable under the backoff
// policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError builds a TransportError.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ExhaustedRetryError means a forward job used up its attempt budget and
// was dead-lettered. Terminal; surfaced as an event, never fatal to the
// service.
type ExhaustedRetryError struct {
	JobID    string
	Attempts int
	LastErr  error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("forward job %s dead-lettered after %d attempts: %v", e.JobID, e.Attempts, e.LastErr)
}

func (e *ExhaustedRetryError) Unwrap() error { return e.LastErr }

// NewExhaustedRetryError builds an ExhaustedRetryError.
func NewExhaustedRetryError(jobID string, attempts int, last error) *ExhaustedRetryError {
	return &ExhaustedRetryError{JobID: jobID, Attempts: attempts, LastErr: last}
}

// DIMSEError carries a non-success DIMSE status reported by a peer.
type DIMSEError struct {
	Operation string
	Status    uint16
}

func (e *DIMSEError) Error() string {
	return fmt.Sprintf("DIMSE %s failed with status 0x%04X", e.Operation, e.Status)
}

// NewDIMSEError builds a DIMSEError.
func NewDIMSEError(operation string, status uint16) *DIMSEError {
	return &DIMSEError{Operation: operation, Status: status}
}

// IsWarning reports whether the status is in the warning class.
func (e *DIMSEError) IsWarning() bool {
	return (e.Status & 0xFF00) == 0x0100
}

// IsFailure reports whether the status is in a failure class.
func (e *DIMSEError) IsFailure() bool {
	return (e.Status&0xF000) == 0xC000 || (e.Status&0xF000) == 0xA000
}
