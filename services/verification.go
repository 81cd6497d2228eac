package services

import (
	"context"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	"github.com/Janxz264/dicom-bridge-mx/interfaces"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

var echoRequestsTotal = metrics.NewCounter("dicom_bridge_echo_requests_total")

// VerificationHandler answers C-ECHO requests. It touches no external
// dependency: a success response only asserts protocol liveness.
type VerificationHandler struct {
	logger *slog.Logger
}

// NewVerificationHandler creates the C-ECHO handler.
func NewVerificationHandler(logger *slog.Logger) *VerificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationHandler{logger: logger}
}

// HandleDIMSE echoes success, mirroring the request's message ID.
func (h *VerificationHandler) HandleDIMSE(_ context.Context, msg *types.Message, _ []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	echoRequestsTotal.Inc()
	h.logger.Info("verification request",
		"calling_ae", meta.CallingAETitle,
		"message_id", msg.MessageID)

	rsp := &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.NoDataSet,
		Status:                    types.StatusSuccess,
	}
	return rsp, nil, nil
}
