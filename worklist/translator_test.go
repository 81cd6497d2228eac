package worklist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

func TestTranslateUnconstrained(t *testing.T) {
	tr := NewTranslator("worklist_entries", true)
	sql, args := tr.Translate(&MatchQuery{})

	assert.NotContains(t, sql, "WHERE")
	assert.Contains(t, sql, "ORDER BY start_date, start_time, appointment_id")
	assert.Empty(t, args)
}

func TestTranslateOrderingDisabled(t *testing.T) {
	tr := NewTranslator("worklist_entries", false)
	sql, _ := tr.Translate(&MatchQuery{Modality: "CR"})

	assert.NotContains(t, sql, "ORDER BY")
}

func TestTranslateConstraints(t *testing.T) {
	tests := []struct {
		name     string
		query    *MatchQuery
		wantSQL  []string
		wantArgs []any
	}{
		{
			name:     "patient id exact",
			query:    &MatchQuery{PatientID: "12345"},
			wantSQL:  []string{"patient_id = $1"},
			wantArgs: []any{"12345"},
		},
		{
			name:     "accession strips zero padding",
			query:    &MatchQuery{AccessionNumber: "00004711"},
			wantSQL:  []string{"appointment_id = $1"},
			wantArgs: []any{"4711"},
		},
		{
			name:     "modality and station",
			query:    &MatchQuery{Modality: "RF", StationAETitle: "FLUORO1"},
			wantSQL:  []string{"modality = $1", "scheduled_station_ae = $2"},
			wantArgs: []any{"RF", "FLUORO1"},
		},
		{
			name:     "patient name without wildcard matches exactly",
			query:    &MatchQuery{PatientName: "DOE^JOHN"},
			wantSQL:  []string{"patient_name = $1"},
			wantArgs: []any{"DOE^JOHN"},
		},
		{
			name:     "patient name wildcard becomes LIKE",
			query:    &MatchQuery{PatientName: "DOE*"},
			wantSQL:  []string{"patient_name ILIKE $1"},
			wantArgs: []any{"DOE%"},
		},
		{
			name:     "date range",
			query:    &MatchQuery{StartDateFrom: "20260801", StartDateTo: "20260831"},
			wantSQL:  []string{"start_date >= $1", "start_date <= $2"},
			wantArgs: []any{"20260801", "20260831"},
		},
		{
			name:     "time range",
			query:    &MatchQuery{StartTimeFrom: "083000", StartTimeTo: "120000"},
			wantSQL:  []string{"start_time >= $1", "start_time <= $2"},
			wantArgs: []any{"083000", "120000"},
		},
		{
			name:     "all-zero accession is appointment zero",
			query:    &MatchQuery{AccessionNumber: "00000000"},
			wantSQL:  []string{"appointment_id = $1"},
			wantArgs: []any{"0"},
		},
	}

	tr := NewTranslator("worklist_entries", true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := tr.Translate(tt.query)
			for _, fragment := range tt.wantSQL {
				assert.Contains(t, sql, fragment)
			}
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestTranslateNeverInlinesValues(t *testing.T) {
	hostile := "x'; DROP TABLE worklist_entries; --"
	tr := NewTranslator("worklist_entries", true)
	sql, args := tr.Translate(&MatchQuery{PatientID: hostile})

	assert.NotContains(t, sql, "DROP TABLE")
	require.Len(t, args, 1)
	assert.Equal(t, hostile, args[0])
}

func TestLikePatternEscapesMetacharacters(t *testing.T) {
	pattern, wildcard := toLikePattern("100%_DONE*")
	assert.True(t, wildcard)
	assert.Equal(t, `100\%\_DONE%`, pattern)

	_, wildcard = toLikePattern("PLAIN")
	assert.False(t, wildcard)
}

func TestParseIdentifierFailsClosed(t *testing.T) {
	identifier := dicom.NewDataset()
	identifier.AddString(dicom.TagPatientName, "DOE*")
	// a constrained key the translator does not understand
	identifier.AddString(dicom.TagReferringPhysician, "SMITH^ANNA")

	_, err := ParseIdentifier(identifier)
	require.Error(t, err)

	var qerr *dicomerr.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, uint16(types.StatusCannotUnderstand), qerr.Status)
}

func TestParseIdentifierIgnoresEmptyReturnKeys(t *testing.T) {
	identifier := dicom.NewDataset()
	identifier.AddString(dicom.TagPatientName, "")
	identifier.AddString(dicom.TagReferringPhysician, "") // return key only
	identifier.AddString(dicom.TagPatientID, "777")

	q, err := ParseIdentifier(identifier)
	require.NoError(t, err)
	assert.Equal(t, "777", q.PatientID)
	assert.Empty(t, q.PatientName)
	assert.True(t, q.WantsTag(dicom.TagReferringPhysician))
}

func TestParseIdentifierDateForms(t *testing.T) {
	tests := []struct {
		value    string
		wantFrom string
		wantTo   string
		wantErr  bool
	}{
		{"20260830", "20260830", "20260830", false},
		{"20260801-20260831", "20260801", "20260831", false},
		{"20260801-", "20260801", "", false},
		{"-20260831", "", "20260831", false},
		{"2026083", "", "", true},
		{"2026-08-30", "", "", true},
		{"-", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			step := dicom.NewDataset()
			step.AddString(dicom.TagScheduledStepStartDate, tt.value)
			identifier := dicom.NewDataset()
			identifier.AddSequence(dicom.TagScheduledStepSequence, step)

			q, err := ParseIdentifier(identifier)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, q.StartDateFrom)
			assert.Equal(t, tt.wantTo, q.StartDateTo)
		})
	}
}

func TestTranslateTimeOnlyConstraint(t *testing.T) {
	step := dicom.NewDataset()
	step.AddString(dicom.TagScheduledStepStartTime, "083000-120000")
	identifier := dicom.NewDataset()
	identifier.AddSequence(dicom.TagScheduledStepSequence, step)

	q, err := ParseIdentifier(identifier)
	require.NoError(t, err)

	// a lone time constraint must narrow the query, never vanish
	sql, args := NewTranslator("worklist_entries", true).Translate(q)
	assert.Contains(t, sql, "WHERE")
	assert.Contains(t, sql, "start_time >= $1")
	assert.Contains(t, sql, "start_time <= $2")
	assert.Equal(t, []any{"083000", "120000"}, args)
}

func TestParseIdentifierTimeForms(t *testing.T) {
	tests := []struct {
		value    string
		wantFrom string
		wantTo   string
		wantErr  bool
	}{
		{"083000", "083000", "083000", false},
		{"083000-120000", "083000", "120000", false},
		{"083000-", "083000", "", false},
		{"-120000", "", "120000", false},
		{"0830", "0830", "0830", false},
		{"8h30", "", "", true},
		{"08300", "", "", true},
		{"-", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			step := dicom.NewDataset()
			step.AddString(dicom.TagScheduledStepStartTime, tt.value)
			identifier := dicom.NewDataset()
			identifier.AddSequence(dicom.TagScheduledStepSequence, step)

			q, err := ParseIdentifier(identifier)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, q.StartTimeFrom)
			assert.Equal(t, tt.wantTo, q.StartTimeTo)
		})
	}
}

func TestTranslateDeterministicOrdering(t *testing.T) {
	tr := NewTranslator("worklist_entries", true)
	first, _ := tr.Translate(&MatchQuery{Modality: "CR", PatientID: "1"})
	second, _ := tr.Translate(&MatchQuery{Modality: "CR", PatientID: "1"})
	assert.Equal(t, first, second)
	assert.True(t, strings.HasSuffix(first, "ORDER BY start_date, start_time, appointment_id"))
}
