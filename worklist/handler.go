package worklist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/interfaces"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

var (
	queriesTotal       = metrics.NewCounter("dicom_bridge_worklist_queries_total")
	queryFailuresTotal = metrics.NewCounter("dicom_bridge_worklist_query_failures_total")
	resultsTotal       = metrics.NewCounter("dicom_bridge_worklist_results_total")
)

// Querier is the slice of pgxpool.Pool the handler needs; tests
// substitute a fake.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handler answers Modality Worklist C-FIND requests: one Pending
// response per matching row, streamed as rows arrive, then a final
// status. Database rows are never buffered in full.
type Handler struct {
	db         Querier
	translator *Translator
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHandler creates the worklist C-FIND handler.
func NewHandler(db Querier, translator *Translator, timeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{db: db, translator: translator, timeout: timeout, logger: logger}
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler.
func (h *Handler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	queriesTotal.Inc()

	matched, err := h.streamMatches(ctx, msg, data, meta, responder)
	if err != nil {
		queryFailuresTotal.Inc()
		status := uint16(types.StatusUnableToProcess)
		var qerr *dicomerr.QueryError
		if errors.As(err, &qerr) {
			status = qerr.Status
		}
		h.logger.Error("worklist query failed",
			"calling_ae", meta.CallingAETitle,
			"error", err,
			"status", status)
		return responder.SendResponse(h.response(msg, status), nil)
	}

	h.logger.Info("worklist query answered",
		"calling_ae", meta.CallingAETitle,
		"matches", matched)
	return responder.SendResponse(h.response(msg, types.StatusSuccess), nil)
}

func (h *Handler) streamMatches(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) (int, error) {
	identifier, err := dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
	if err != nil {
		return 0, dicomerr.NewMalformedQueryError("parse identifier", err)
	}

	query, err := ParseIdentifier(identifier)
	if err != nil {
		return 0, err
	}

	sql, args := h.translator.Translate(query)
	h.logger.Debug("translated worklist query", "sql", sql, "args", len(args))

	queryCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rows, err := h.db.Query(queryCtx, sql, args...)
	if err != nil {
		// Backing store unreachable is out-of-resources, not a bad query.
		return 0, dicomerr.NewQueryError("execute query", types.StatusOutOfResources, err)
	}
	defer rows.Close()

	matched := 0
	for rows.Next() {
		entry, err := scanRow(rows)
		if err != nil {
			return matched, dicomerr.NewQueryError("scan row", types.StatusUnableToProcess, err)
		}
		if err := responder.SendResponse(h.response(msg, types.StatusPending), entry.Dataset(query)); err != nil {
			return matched, err
		}
		matched++
		resultsTotal.Inc()
	}
	if err := rows.Err(); err != nil {
		return matched, dicomerr.NewQueryError("iterate rows", types.StatusUnableToProcess, err)
	}
	return matched, nil
}

func (h *Handler) response(msg *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CFindRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       types.ModalityWorklistFindSOPClass,
		Status:                    status,
	}
}

func scanRow(rows pgx.Rows) (*Entry, error) {
	var e Entry
	var comments, physician, location pgtype.Text
	if err := rows.Scan(
		&e.AppointmentID,
		&e.PatientKey,
		&e.PatientName,
		&e.BirthDate,
		&e.Sex,
		&comments,
		&e.Modality,
		&e.StationAETitle,
		&e.StartDate,
		&e.StartTime,
		&physician,
		&e.StepDescription,
		&e.ProcedureID,
		&location,
	); err != nil {
		return nil, err
	}
	e.Comments = comments.String
	e.PhysicianName = physician.String
	e.StepLocation = location.String
	return &e, nil
}
