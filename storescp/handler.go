package storescp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/interfaces"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

var (
	objectsReceived = metrics.NewCounter("dicom_bridge_store_objects_received_total")
	objectsRejected = metrics.NewCounter("dicom_bridge_store_objects_rejected_total")
	objectsAborted  = metrics.NewCounter("dicom_bridge_store_objects_aborted_total")
)

// StoredObject is a validated received object, ready to forward. The
// payload stays in its original transfer syntax.
type StoredObject struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	CallingAETitle    string
	ReceivedAt        time.Time
	Data              []byte
}

// Enqueuer accepts validated objects for delivery. Implemented by the
// forwarding queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, obj *StoredObject) error
}

// Handler receives C-STORE requests fragment by fragment. The storage
// commitment is the success response: it is sent only after the object
// is reassembled, validated, and durably queued for forwarding.
type Handler struct {
	queue          Enqueuer
	maxObjectBytes int
	logger         *slog.Logger

	// one active transfer per association
	transfers *xsync.MapOf[string, *Transfer]
}

// NewHandler creates the C-STORE handler. maxObjectBytes caps accepted
// object size; zero disables the cap.
func NewHandler(queue Enqueuer, maxObjectBytes int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:          queue,
		maxObjectBytes: maxObjectBytes,
		logger:         logger,
		transfers:      xsync.NewMapOf[string, *Transfer](),
	}
}

// HandleFragment implements interfaces.FragmentHandler.
func (h *Handler) HandleFragment(ctx context.Context, msg *types.Message, meta interfaces.MessageContext, seq int, fragment []byte, last bool) (*types.Message, error) {
	transfer, _ := h.transfers.LoadOrCompute(meta.AssociationID, func() *Transfer {
		return newTransfer(msg.AffectedSOPClassUID, msg.AffectedSOPInstanceUID,
			meta.TransferSyntaxUID, meta.CallingAETitle, msg.MessageID)
	})

	if err := transfer.assembler.Add(seq, fragment, last); err != nil {
		h.discard(meta.AssociationID, transfer)
		if errors.Is(err, dicomerr.ErrDuplicateFragment) {
			objectsRejected.Inc()
			return h.response(msg, types.StatusCannotUnderstand), nil
		}
		return nil, err
	}

	if h.maxObjectBytes > 0 && transfer.assembler.Size() > h.maxObjectBytes {
		h.discard(meta.AssociationID, transfer)
		objectsRejected.Inc()
		h.logger.Warn("object exceeds size cap",
			"sop_instance_uid", transfer.SOPInstanceUID,
			"size", transfer.assembler.Size(),
			"cap", h.maxObjectBytes)
		return h.response(msg, types.StatusOutOfResources), nil
	}

	if !last {
		return nil, nil
	}

	h.transfers.Delete(meta.AssociationID)
	return h.finish(ctx, msg, meta, transfer), nil
}

// AbortTransfer implements interfaces.FragmentHandler: the association
// died mid-transfer, so the partial object is discarded without a
// response.
func (h *Handler) AbortTransfer(_ context.Context, meta interfaces.MessageContext) {
	if transfer, ok := h.transfers.LoadAndDelete(meta.AssociationID); ok {
		transfer.transition(TransferAborted)
		objectsAborted.Inc()
		h.logger.Warn("transfer aborted",
			"sop_instance_uid", transfer.SOPInstanceUID,
			"bytes_received", transfer.assembler.Size())
	}
}

// finish validates the reassembled object and enqueues it. The success
// response leaves only after the queue has taken ownership.
func (h *Handler) finish(ctx context.Context, msg *types.Message, meta interfaces.MessageContext, transfer *Transfer) *types.Message {
	if err := transfer.transition(TransferValidating); err != nil {
		h.logger.Error("transfer state error", "error", err)
		return h.response(msg, types.StatusUnableToProcess)
	}

	data, err := transfer.assembler.Bytes()
	if err != nil {
		transfer.transition(TransferRejected)
		objectsRejected.Inc()
		h.logger.Warn("transfer incomplete at closing fragment", "error", err)
		return h.response(msg, types.StatusCannotUnderstand)
	}

	if verr := validate(transfer, data); verr != nil {
		transfer.transition(TransferRejected)
		objectsRejected.Inc()
		h.logger.Warn("object rejected",
			"sop_instance_uid", transfer.SOPInstanceUID,
			"error", verr)
		return h.response(msg, types.StatusCannotUnderstand)
	}

	obj := &StoredObject{
		SOPClassUID:       transfer.SOPClassUID,
		SOPInstanceUID:    transfer.SOPInstanceUID,
		TransferSyntaxUID: transfer.TransferSyntaxUID,
		CallingAETitle:    transfer.CallingAETitle,
		ReceivedAt:        time.Now(),
		Data:              data,
	}
	if err := h.queue.Enqueue(ctx, obj); err != nil {
		transfer.transition(TransferRejected)
		h.logger.Error("failed to enqueue object",
			"sop_instance_uid", obj.SOPInstanceUID,
			"error", err)
		return h.response(msg, types.StatusOutOfResources)
	}

	transfer.transition(TransferCompleted)
	objectsReceived.Inc()
	h.logger.Info("object received",
		"sop_class_uid", obj.SOPClassUID,
		"sop_instance_uid", obj.SOPInstanceUID,
		"calling_ae", obj.CallingAETitle,
		"bytes", len(data),
		"duration", time.Since(transfer.started))
	return h.response(msg, types.StatusSuccess)
}

// validate runs the post-reassembly checks. The payload may be in a
// compressed transfer syntax, so identity comes from the command set,
// not a dataset parse.
func validate(transfer *Transfer, data []byte) error {
	if len(data) == 0 {
		return dicomerr.NewValidationError("dataset", "empty payload")
	}
	if transfer.SOPClassUID == "" {
		return dicomerr.NewValidationError("AffectedSOPClassUID", "missing")
	}
	if transfer.SOPInstanceUID == "" {
		return dicomerr.NewValidationError("AffectedSOPInstanceUID", "missing")
	}
	if !types.IsStorageSOPClass(transfer.SOPClassUID) {
		return dicomerr.NewValidationError("AffectedSOPClassUID",
			"not a supported storage class: "+transfer.SOPClassUID)
	}
	return nil
}

func (h *Handler) discard(associationID string, transfer *Transfer) {
	transfer.transition(TransferAborted)
	h.transfers.Delete(associationID)
}

func (h *Handler) response(msg *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}
