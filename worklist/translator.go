package worklist

import (
	"fmt"
	"strings"
)

// Column list matches scanRow; keep the two in sync.
const selectColumns = `appointment_id, patient_id, patient_name, patient_birth_date,
	patient_sex, patient_comments, modality, scheduled_station_ae,
	start_date, start_time, physician_name, procedure_description,
	procedure_id, step_location`

// Translator builds parameterized SQL from a MatchQuery. Every
// constraint it can emit is enumerated here; identifier values only ever
// travel as query arguments, never as SQL text.
type Translator struct {
	table        string
	orderByStart bool
}

// NewTranslator creates a translator over the given worklist table.
// orderByStart adds a deterministic ORDER BY on scheduled start, so
// identical queries return rows in the same order across runs.
func NewTranslator(table string, orderByStart bool) *Translator {
	if table == "" {
		table = "worklist_entries"
	}
	return &Translator{table: table, orderByStart: orderByStart}
}

// Translate renders the query and its argument list.
func (t *Translator) Translate(q *MatchQuery) (string, []any) {
	var conditions []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if q.PatientID != "" {
		add("patient_id = $%d", q.PatientID)
	}
	if q.AccessionNumber != "" {
		// the padded form is a display artifact; "00000000" is appointment 0
		id := strings.TrimLeft(q.AccessionNumber, "0")
		if id == "" {
			id = "0"
		}
		add("appointment_id = $%d", id)
	}
	if q.Modality != "" {
		add("modality = $%d", q.Modality)
	}
	if q.StationAETitle != "" {
		add("scheduled_station_ae = $%d", q.StationAETitle)
	}
	if q.PatientName != "" {
		if pattern, wildcard := toLikePattern(q.PatientName); wildcard {
			add("patient_name ILIKE $%d", pattern)
		} else {
			add("patient_name = $%d", q.PatientName)
		}
	}
	if q.StartDateFrom != "" {
		add("start_date >= $%d", q.StartDateFrom)
	}
	if q.StartDateTo != "" {
		add("start_date <= $%d", q.StartDateTo)
	}
	if q.StartTimeFrom != "" {
		add("start_time >= $%d", q.StartTimeFrom)
	}
	if q.StartTimeTo != "" {
		add("start_time <= $%d", q.StartTimeTo)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", selectColumns, t.table)
	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}
	if t.orderByStart {
		sb.WriteString(" ORDER BY start_date, start_time, appointment_id")
	}
	return sb.String(), args
}

// toLikePattern converts DICOM wildcard matching ("*" any run, "?" any
// single character) into a LIKE pattern, escaping LIKE metacharacters in
// the literal parts. The second return reports whether the value carried
// any wildcard at all.
func toLikePattern(value string) (string, bool) {
	var sb strings.Builder
	wildcard := false
	for _, r := range value {
		switch r {
		case '*':
			sb.WriteByte('%')
			wildcard = true
		case '?':
			sb.WriteByte('_')
			wildcard = true
		case '%', '_', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String(), wildcard
}
