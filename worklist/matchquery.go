// Package worklist serves Modality Worklist C-FIND queries from the
// scheduling database.
package worklist

import (
	"fmt"
	"strings"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
)

// MatchQuery is the immutable, validated form of a C-FIND identifier:
// only the constraints the translator understands, plus the return keys
// the requester asked for. Built once per request and never mutated.
type MatchQuery struct {
	PatientName     string
	PatientID       string
	AccessionNumber string
	Modality        string
	StationAETitle  string

	// Scheduled procedure step start date and time, single value or
	// inclusive range. Empty means unconstrained.
	StartDateFrom string
	StartDateTo   string
	StartTimeFrom string
	StartTimeTo   string

	ReturnTags []dicom.Tag
}

// ParseIdentifier validates a C-FIND identifier dataset into a
// MatchQuery. Unknown tags carrying a non-empty value are rejected
// rather than silently ignored, so a constraint the translator cannot
// honor never widens the result set.
func ParseIdentifier(identifier *dicom.Dataset) (*MatchQuery, error) {
	q := &MatchQuery{}

	for _, tag := range identifier.SortedTags() {
		element := identifier.Elements[tag]
		if tag == dicom.TagScheduledStepSequence {
			if err := q.applyStepConstraints(identifier.GetSequence(tag)); err != nil {
				return nil, err
			}
			q.ReturnTags = append(q.ReturnTags, tag)
			continue
		}
		value := strings.TrimSpace(stringValue(element))
		if value != "" {
			if err := q.applyConstraint(tag, value); err != nil {
				return nil, err
			}
		}
		q.ReturnTags = append(q.ReturnTags, tag)
	}
	return q, nil
}

func (q *MatchQuery) applyConstraint(tag dicom.Tag, value string) error {
	switch tag {
	case dicom.TagPatientName:
		q.PatientName = value
	case dicom.TagPatientID:
		q.PatientID = value
	case dicom.TagAccessionNumber:
		q.AccessionNumber = value
	case dicom.TagSpecificCharacterSet:
		// character set selection, not a matching key
	default:
		return dicomerr.NewMalformedQueryError("parse identifier",
			fmt.Errorf("unsupported matching key %s", tag))
	}
	return nil
}

// applyStepConstraints reads matching keys from the (single) scheduled
// procedure step item.
func (q *MatchQuery) applyStepConstraints(items []*dicom.Dataset) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > 1 {
		return dicomerr.NewMalformedQueryError("parse identifier",
			fmt.Errorf("scheduled procedure step sequence has %d items, expected 1", len(items)))
	}
	item := items[0]

	for _, tag := range item.SortedTags() {
		value := strings.TrimSpace(stringValue(item.Elements[tag]))
		if value == "" {
			continue
		}
		switch tag {
		case dicom.TagModality:
			q.Modality = value
		case dicom.TagScheduledStationAETitle:
			q.StationAETitle = value
		case dicom.TagScheduledStepStartDate:
			if err := q.setDateRange(value); err != nil {
				return err
			}
		case dicom.TagScheduledStepStartTime:
			if err := q.setTimeRange(value); err != nil {
				return err
			}
		default:
			return dicomerr.NewMalformedQueryError("parse identifier",
				fmt.Errorf("unsupported step matching key %s", tag))
		}
	}
	return nil
}

// setDateRange accepts "YYYYMMDD", "YYYYMMDD-YYYYMMDD", "YYYYMMDD-" and
// "-YYYYMMDD" (DICOM range matching on DA values).
func (q *MatchQuery) setDateRange(value string) error {
	if idx := strings.IndexByte(value, '-'); idx != -1 {
		from, to := value[:idx], value[idx+1:]
		if err := validDate(from, true); err != nil {
			return err
		}
		if err := validDate(to, true); err != nil {
			return err
		}
		if from == "" && to == "" {
			return dicomerr.NewMalformedQueryError("parse identifier",
				fmt.Errorf("empty date range"))
		}
		q.StartDateFrom, q.StartDateTo = from, to
		return nil
	}
	if err := validDate(value, false); err != nil {
		return err
	}
	q.StartDateFrom, q.StartDateTo = value, value
	return nil
}

// setTimeRange accepts "HHMMSS", "HHMMSS-HHMMSS", "HHMMSS-" and
// "-HHMMSS" (DICOM range matching on TM values); the truncated HH and
// HHMM forms are allowed.
func (q *MatchQuery) setTimeRange(value string) error {
	if idx := strings.IndexByte(value, '-'); idx != -1 {
		from, to := value[:idx], value[idx+1:]
		if err := validTime(from, true); err != nil {
			return err
		}
		if err := validTime(to, true); err != nil {
			return err
		}
		if from == "" && to == "" {
			return dicomerr.NewMalformedQueryError("parse identifier",
				fmt.Errorf("empty time range"))
		}
		q.StartTimeFrom, q.StartTimeTo = from, to
		return nil
	}
	if err := validTime(value, false); err != nil {
		return err
	}
	q.StartTimeFrom, q.StartTimeTo = value, value
	return nil
}

func validTime(value string, allowEmpty bool) error {
	if value == "" {
		if allowEmpty {
			return nil
		}
		return dicomerr.NewMalformedQueryError("parse identifier", fmt.Errorf("empty time"))
	}
	if len(value) != 2 && len(value) != 4 && len(value) != 6 {
		return dicomerr.NewMalformedQueryError("parse identifier",
			fmt.Errorf("malformed time %q", value))
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return dicomerr.NewMalformedQueryError("parse identifier",
				fmt.Errorf("malformed time %q", value))
		}
	}
	return nil
}

func validDate(value string, allowEmpty bool) error {
	if value == "" {
		if allowEmpty {
			return nil
		}
		return dicomerr.NewMalformedQueryError("parse identifier", fmt.Errorf("empty date"))
	}
	if len(value) != 8 {
		return dicomerr.NewMalformedQueryError("parse identifier",
			fmt.Errorf("malformed date %q", value))
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return dicomerr.NewMalformedQueryError("parse identifier",
				fmt.Errorf("malformed date %q", value))
		}
	}
	return nil
}

func stringValue(element *dicom.Element) string {
	if s, ok := element.Value.(string); ok {
		return s
	}
	return ""
}

// WantsTag reports whether the requester asked for the tag as a return
// key. An empty identifier (no return keys at all) gets the full entry.
func (q *MatchQuery) WantsTag(tag dicom.Tag) bool {
	if len(q.ReturnTags) == 0 {
		return true
	}
	for _, t := range q.ReturnTags {
		if t == tag {
			return true
		}
	}
	return false
}
