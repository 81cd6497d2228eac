package worklist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	"github.com/Janxz264/dicom-bridge-mx/interfaces"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// fakeRows implements just enough of pgx.Rows for the handler.
type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch v := row[i].(type) {
		case int64:
			*d.(*int64) = v
		case string:
			*d.(*string) = v
		case pgtype.Text:
			*d.(*pgtype.Text) = v
		}
	}
	return nil
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type fakeQuerier struct {
	rows    *fakeRows
	err     error
	lastSQL string
}

func (q *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.lastSQL = sql
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

type recordedResponse struct {
	msg     *types.Message
	dataset *dicom.Dataset
}

type fakeResponder struct {
	responses []recordedResponse
}

func (r *fakeResponder) SendResponse(msg *types.Message, dataset *dicom.Dataset) error {
	r.responses = append(r.responses, recordedResponse{msg: msg, dataset: dataset})
	return nil
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: true}
}

func sampleRow(appointmentID, patientKey int64, name string) []any {
	return []any{
		appointmentID, patientKey, name, "19751102", "F",
		text(""), "RF", "FLUORO1", "20260830", "143000",
		text("RUIZ^CARLOS"), "Barium swallow", "RP-22", text("Sala 2"),
	}
}

func findRequest() *types.Message {
	return &types.Message{
		CommandField:        types.CFindRQ,
		MessageID:           11,
		AffectedSOPClassUID: types.ModalityWorklistFindSOPClass,
		CommandDataSetType:  types.DataSetPresent,
	}
}

func encodeIdentifier(t *testing.T, identifier *dicom.Dataset) []byte {
	t.Helper()
	data, err := dicom.EncodeDatasetWithTransferSyntax(identifier, types.ExplicitVRLittleEndian)
	require.NoError(t, err)
	return data
}

func testMeta() interfaces.MessageContext {
	return interfaces.MessageContext{
		CallingAETitle:    "FLUORO1",
		TransferSyntaxUID: types.ExplicitVRLittleEndian,
	}
}

func TestHandlerStreamsPendingPerRow(t *testing.T) {
	db := &fakeQuerier{rows: &fakeRows{rows: [][]any{
		sampleRow(4711, 12345, "GARCIA^MARIA"),
		sampleRow(4712, 555, "DOE^JOHN"),
	}}}
	handler := NewHandler(db, NewTranslator("", true), time.Second, nil)
	responder := &fakeResponder{}

	identifier := dicom.NewDataset()
	identifier.AddString(dicom.TagPatientName, "")
	identifier.AddString(dicom.TagAccessionNumber, "")
	identifier.AddString(dicom.TagStudyInstanceUID, "")
	identifier.AddSequence(dicom.TagScheduledStepSequence, dicom.NewDataset())

	err := handler.HandleDIMSEStreaming(context.Background(), findRequest(),
		encodeIdentifier(t, identifier), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 3)
	first, last := responder.responses[0], responder.responses[2]

	assert.Equal(t, uint16(types.CFindRSP), first.msg.CommandField)
	assert.Equal(t, uint16(types.StatusPending), first.msg.Status)
	require.NotNil(t, first.dataset)
	assert.Equal(t, "00004711", first.dataset.GetString(dicom.TagAccessionNumber))
	assert.Equal(t, "GARCIA^MARIA", first.dataset.GetString(dicom.TagPatientName))
	assert.Equal(t, "1.2.3.4711.12345", first.dataset.GetString(dicom.TagStudyInstanceUID))

	steps := first.dataset.GetSequence(dicom.TagScheduledStepSequence)
	require.Len(t, steps, 1)
	assert.Equal(t, "RF", steps[0].GetString(dicom.TagModality))
	assert.Equal(t, "20260830", steps[0].GetString(dicom.TagScheduledStepStartDate))

	assert.Equal(t, uint16(types.StatusSuccess), last.msg.Status)
	assert.Nil(t, last.dataset)
	assert.Equal(t, uint16(11), last.msg.MessageIDBeingRespondedTo)
}

func TestHandlerEmptyResultIsSuccess(t *testing.T) {
	db := &fakeQuerier{rows: &fakeRows{}}
	handler := NewHandler(db, NewTranslator("", true), time.Second, nil)
	responder := &fakeResponder{}

	err := handler.HandleDIMSEStreaming(context.Background(), findRequest(),
		encodeIdentifier(t, dicom.NewDataset()), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(types.StatusSuccess), responder.responses[0].msg.Status)
	assert.Nil(t, responder.responses[0].dataset)
}

func TestHandlerDatabaseFailureReportsStatus(t *testing.T) {
	db := &fakeQuerier{err: errors.New("connection refused")}
	handler := NewHandler(db, NewTranslator("", true), time.Second, nil)
	responder := &fakeResponder{}

	err := handler.HandleDIMSEStreaming(context.Background(), findRequest(),
		encodeIdentifier(t, dicom.NewDataset()), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(types.StatusOutOfResources), responder.responses[0].msg.Status)
}

func TestHandlerMalformedIdentifierFailsClosed(t *testing.T) {
	db := &fakeQuerier{rows: &fakeRows{}}
	handler := NewHandler(db, NewTranslator("", true), time.Second, nil)
	responder := &fakeResponder{}

	identifier := dicom.NewDataset()
	identifier.AddString(dicom.TagReferringPhysician, "SMITH^ANNA") // unsupported constraint

	err := handler.HandleDIMSEStreaming(context.Background(), findRequest(),
		encodeIdentifier(t, identifier), testMeta(), responder)
	require.NoError(t, err)

	// no query must have reached the database
	assert.Empty(t, db.lastSQL)
	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(types.StatusCannotUnderstand), responder.responses[0].msg.Status)
}

func TestHandlerHonorsConstraintSQL(t *testing.T) {
	db := &fakeQuerier{rows: &fakeRows{}}
	handler := NewHandler(db, NewTranslator("", true), time.Second, nil)

	step := dicom.NewDataset()
	step.AddString(dicom.TagModality, "RF")
	step.AddString(dicom.TagScheduledStepStartDate, "20260801-20260831")
	identifier := dicom.NewDataset()
	identifier.AddSequence(dicom.TagScheduledStepSequence, step)

	err := handler.HandleDIMSEStreaming(context.Background(), findRequest(),
		encodeIdentifier(t, identifier), testMeta(), &fakeResponder{})
	require.NoError(t, err)

	assert.Contains(t, db.lastSQL, "modality =")
	assert.Contains(t, db.lastSQL, "start_date >=")
	assert.Contains(t, db.lastSQL, "start_date <=")
}
