package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/interfaces"
	"github.com/Janxz264/dicom-bridge-mx/pdu"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// HandlerRegistry resolves a DIMSE command field to the service handler
// registered for it. Handlers implement one of interfaces.ServiceHandler,
// interfaces.StreamingServiceHandler, or interfaces.FragmentHandler.
type HandlerRegistry interface {
	HandlerFor(commandField uint16) (any, bool)
}

// pendingMessage is the in-flight request on this association: the
// decoded command plus whatever dataset state its handler needs.
type pendingMessage struct {
	msg  *types.Message
	meta interfaces.MessageContext

	// accumulated dataset, for non-fragment handlers
	data []byte

	// fragment dispatch state
	fragmentHandler interfaces.FragmentHandler
	nextSeq         int
	responded       bool
}

// Service implements pdu.DIMSEHandler for one association: it
// reassembles command sets from PDV fragments, resolves the handler, and
// routes dataset fragments either into an accumulation buffer or
// fragment-by-fragment into a FragmentHandler.
type Service struct {
	ctx           context.Context
	registry      HandlerRegistry
	logger        *slog.Logger
	associationID string

	remoteAddr string
	commandBuf []byte
	pending    *pendingMessage
}

// NewService creates the DIMSE layer for one association.
func NewService(ctx context.Context, registry HandlerRegistry, remoteAddr string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Service{
		ctx:           ctx,
		registry:      registry,
		logger:        logger.With("association_id", id),
		associationID: id,
		remoteAddr:    remoteAddr,
	}
}

// AssociationID returns the identifier attached to log records and
// message contexts for this association.
func (s *Service) AssociationID() string {
	return s.associationID
}

// HandleDIMSEMessage consumes one PDV. Bit 0 of the control header marks
// command vs dataset, bit 1 the last fragment of its kind.
func (s *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, layer *pdu.Layer) error {
	isCommand := msgCtrlHeader&0x01 != 0
	isLast := msgCtrlHeader&0x02 != 0

	if isCommand {
		return s.consumeCommandFragment(presContextID, data, isLast, layer)
	}
	return s.consumeDataFragment(data, isLast, layer)
}

// Close releases any partial transfer state, notifying the fragment
// handler so it can discard its reassembly buffers.
func (s *Service) Close() {
	if s.pending != nil && s.pending.fragmentHandler != nil && !s.pending.responded {
		s.pending.fragmentHandler.AbortTransfer(s.ctx, s.pending.meta)
		s.logger.Warn("association closed mid-transfer",
			"sop_instance_uid", s.pending.msg.AffectedSOPInstanceUID)
	}
	s.pending = nil
	s.commandBuf = nil
}

func (s *Service) consumeCommandFragment(presContextID byte, data []byte, isLast bool, layer *pdu.Layer) error {
	if s.pending != nil && s.pending.msg.HasDataset() && !s.pending.responded {
		return fmt.Errorf("%w: new command before previous dataset completed", dicomerr.ErrInvalidMessage)
	}

	s.commandBuf = append(s.commandBuf, data...)
	if !isLast {
		return nil
	}

	msg, err := DecodeCommand(s.commandBuf)
	s.commandBuf = nil
	if err != nil {
		return err
	}

	presCtx, err := layer.ContextFor(presContextID)
	if err != nil {
		return fmt.Errorf("%w: command on unnegotiated context %d", dicomerr.ErrInvalidMessage, presContextID)
	}

	info := layer.Info()
	meta := interfaces.MessageContext{
		CallingAETitle:    info.CallingAETitle,
		CalledAETitle:     info.CalledAETitle,
		RemoteAddr:        s.remoteAddr,
		AssociationID:     s.associationID,
		PresentationCtxID: presContextID,
		AbstractSyntaxUID: presCtx.AbstractSyntax,
		TransferSyntaxUID: presCtx.TransferSyntax,
	}

	s.logger.Debug("received DIMSE command",
		"command", fmt.Sprintf("0x%04X", msg.CommandField),
		"message_id", msg.MessageID,
		"sop_class_uid", msg.AffectedSOPClassUID,
		"has_dataset", msg.HasDataset())

	handler, ok := s.registry.HandlerFor(msg.CommandField)
	if !ok {
		s.logger.Warn("no handler for command", "command", fmt.Sprintf("0x%04X", msg.CommandField))
		return s.sendError(layer, meta, msg, types.StatusUnableToProcess)
	}

	s.pending = &pendingMessage{msg: msg, meta: meta}
	if fh, isFragment := handler.(interfaces.FragmentHandler); isFragment && msg.HasDataset() {
		s.pending.fragmentHandler = fh
	}

	if !msg.HasDataset() {
		defer func() { s.pending = nil }()
		return s.dispatch(layer, handler, msg, nil, meta)
	}
	return nil
}

func (s *Service) consumeDataFragment(data []byte, isLast bool, layer *pdu.Layer) error {
	if s.pending == nil {
		return fmt.Errorf("%w: dataset fragment without a command", dicomerr.ErrInvalidMessage)
	}
	p := s.pending

	if p.fragmentHandler != nil {
		// After an early failure response the handler is done with this
		// transfer; drain the remaining fragments silently.
		if p.responded {
			if isLast {
				s.pending = nil
			}
			return nil
		}
		rsp, err := p.fragmentHandler.HandleFragment(s.ctx, p.msg, p.meta, p.nextSeq, data, isLast)
		p.nextSeq++
		if err != nil {
			s.pending = nil
			return err
		}
		if rsp != nil {
			p.responded = true
			if isLast {
				s.pending = nil
			}
			return s.sendResponse(layer, p.meta, rsp, nil)
		}
		if isLast {
			s.pending = nil
		}
		return nil
	}

	p.data = append(p.data, data...)
	if !isLast {
		return nil
	}

	handler, _ := s.registry.HandlerFor(p.msg.CommandField)
	s.pending = nil
	return s.dispatch(layer, handler, p.msg, p.data, p.meta)
}

// dispatch routes a complete request to its handler and sends whatever
// the handler returns.
func (s *Service) dispatch(layer *pdu.Layer, handler any, msg *types.Message, data []byte, meta interfaces.MessageContext) error {
	switch h := handler.(type) {
	case interfaces.StreamingServiceHandler:
		responder := &responseSender{layer: layer, meta: meta}
		if err := h.HandleDIMSEStreaming(s.ctx, msg, data, meta, responder); err != nil {
			s.logger.Error("streaming handler failed", "error", err)
			return s.sendError(layer, meta, msg, types.StatusUnableToProcess)
		}
		return nil
	case interfaces.ServiceHandler:
		rsp, dataset, err := h.HandleDIMSE(s.ctx, msg, data, meta)
		if err != nil {
			s.logger.Error("handler failed", "error", err)
			return s.sendError(layer, meta, msg, types.StatusUnableToProcess)
		}
		return s.sendResponse(layer, meta, rsp, dataset)
	case interfaces.FragmentHandler:
		// a fragment handler invoked without a dataset is a protocol error
		return s.sendError(layer, meta, msg, types.StatusCannotUnderstand)
	default:
		return fmt.Errorf("unsupported handler type %T for command 0x%04X", handler, msg.CommandField)
	}
}

func (s *Service) sendResponse(layer *pdu.Layer, meta interfaces.MessageContext, rsp *types.Message, dataset *dicom.Dataset) error {
	sender := &responseSender{layer: layer, meta: meta}
	return sender.SendResponse(rsp, dataset)
}

func (s *Service) sendError(layer *pdu.Layer, meta interfaces.MessageContext, req *types.Message, status uint16) error {
	rsp := &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
	return s.sendResponse(layer, meta, rsp, nil)
}

// responseSender encodes responses in the association's negotiated
// transfer syntax and writes them through the PDU layer.
type responseSender struct {
	layer *pdu.Layer
	meta  interfaces.MessageContext
}

func (r *responseSender) SendResponse(msg *types.Message, dataset *dicom.Dataset) error {
	var dataBytes []byte
	if dataset != nil {
		encoded, err := dicom.EncodeDatasetWithTransferSyntax(dataset, r.meta.TransferSyntaxUID)
		if err != nil {
			return err
		}
		dataBytes = encoded
		msg.CommandDataSetType = types.DataSetPresent
	} else {
		msg.CommandDataSetType = types.NoDataSet
	}
	return r.layer.SendMessage(r.meta.PresentationCtxID, EncodeCommand(msg), dataBytes)
}
