// Package interfaces contains the contracts between the protocol layers
// and the bridge's service handlers.
package interfaces

import (
	"context"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// MessageContext carries the association facts a handler may need:
// who is calling, over which negotiated presentation context, and in
// which transfer syntax the dataset (if any) is encoded.
type MessageContext struct {
	CallingAETitle       string
	CalledAETitle        string
	RemoteAddr           string
	AssociationID        string
	PresentationCtxID    byte
	AbstractSyntaxUID    string
	TransferSyntaxUID    string
}

// ServiceHandler handles a complete DIMSE request and returns a single
// response with an optional dataset.
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// StreamingServiceHandler handles multi-response operations (C-FIND):
// the handler pushes any number of pending responses through the
// responder before the final status.
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// FragmentHandler receives dataset fragments one at a time instead of an
// accumulated buffer. seq numbers start at zero and reflect receive
// order on this association; last marks the closing fragment. A non-nil
// response ends the transfer: normally it comes with the last fragment,
// but a handler may respond early to refuse a transfer mid-flight.
type FragmentHandler interface {
	HandleFragment(ctx context.Context, msg *types.Message, meta MessageContext, seq int, fragment []byte, last bool) (*types.Message, error)
	// AbortTransfer discards any partial transfer state for the
	// association, used when the session closes mid-transfer.
	AbortTransfer(ctx context.Context, meta MessageContext)
}

// ResponseSender sends one response message with an optional dataset,
// encoded in the association's negotiated transfer syntax.
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset *dicom.Dataset) error
}
