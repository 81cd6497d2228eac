package dicom

import (
	"testing"

	"github.com/Janxz264/dicom-bridge-mx/types"
)

func TestDatasetRoundTrip(t *testing.T) {
	tests := []struct {
		name           string
		transferSyntax string
	}{
		{"implicit VR little endian", types.ImplicitVRLittleEndian},
		{"explicit VR little endian", types.ExplicitVRLittleEndian},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := NewDataset()
			ds.AddString(TagPatientName, "DOE^JOHN")
			ds.AddString(TagPatientID, "12345")
			ds.AddString(TagAccessionNumber, "00004711")
			ds.AddString(TagModality, "CR")
			ds.AddString(TagStudyInstanceUID, "1.2.3.4711.12345")

			encoded, err := EncodeDatasetWithTransferSyntax(ds, tt.transferSyntax)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}

			decoded, err := ParseDatasetWithTransferSyntax(encoded, tt.transferSyntax)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}

			if got := decoded.GetString(TagPatientName); got != "DOE^JOHN" {
				t.Errorf("patient name = %q, want %q", got, "DOE^JOHN")
			}
			if got := decoded.GetString(TagStudyInstanceUID); got != "1.2.3.4711.12345" {
				t.Errorf("study UID = %q, want %q", got, "1.2.3.4711.12345")
			}
			if decoded.Len() != ds.Len() {
				t.Errorf("element count = %d, want %d", decoded.Len(), ds.Len())
			}
		})
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	step := NewDataset()
	step.AddString(TagModality, "RF")
	step.AddString(TagScheduledStepStartDate, "20260830")
	step.AddString(TagScheduledStepStartTime, "143000")
	step.AddString(TagScheduledStationAETitle, "FLUORO1")

	ds := NewDataset()
	ds.AddString(TagPatientName, "GARCIA^MARIA")
	ds.AddSequence(TagScheduledStepSequence, step)

	for _, syntax := range []string{types.ImplicitVRLittleEndian, types.ExplicitVRLittleEndian} {
		encoded, err := EncodeDatasetWithTransferSyntax(ds, syntax)
		if err != nil {
			t.Fatalf("encode (%s) failed: %v", syntax, err)
		}

		decoded, err := ParseDatasetWithTransferSyntax(encoded, syntax)
		if err != nil {
			t.Fatalf("parse (%s) failed: %v", syntax, err)
		}

		items := decoded.GetSequence(TagScheduledStepSequence)
		if len(items) != 1 {
			t.Fatalf("sequence items = %d, want 1", len(items))
		}
		if got := items[0].GetString(TagModality); got != "RF" {
			t.Errorf("step modality = %q, want %q", got, "RF")
		}
		if got := items[0].GetString(TagScheduledStepStartDate); got != "20260830" {
			t.Errorf("step start date = %q, want %q", got, "20260830")
		}
	}
}

func TestParseUndefinedLengthSequence(t *testing.T) {
	// explicit VR SQ with undefined length, one undefined-length item
	var buf []byte
	appendTag := func(group, element uint16) {
		buf = append(buf, byte(group), byte(group>>8), byte(element), byte(element>>8))
	}

	appendTag(0x0040, 0x0100)
	buf = append(buf, 'S', 'Q', 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF)
	appendTag(0xFFFE, 0xE000)
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF)
	appendTag(0x0008, 0x0060)
	buf = append(buf, 'C', 'S', 0x02, 0x00)
	buf = append(buf, 'C', 'R')
	appendTag(0xFFFE, 0xE00D)
	buf = append(buf, 0x00, 0x00, 0x00, 0x00)
	appendTag(0xFFFE, 0xE0DD)
	buf = append(buf, 0x00, 0x00, 0x00, 0x00)

	ds, err := ParseDataset(buf)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	items := ds.GetSequence(TagScheduledStepSequence)
	if len(items) != 1 {
		t.Fatalf("sequence items = %d, want 1", len(items))
	}
	if got := items[0].GetString(TagModality); got != "CR" {
		t.Errorf("modality = %q, want %q", got, "CR")
	}
}

func TestParseTruncatedDataset(t *testing.T) {
	ds := NewDataset()
	ds.AddString(TagPatientID, "998877")
	encoded, err := EncodeDatasetWithTransferSyntax(ds, types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if _, err := ParseDataset(encoded[:len(encoded)-3]); err == nil {
		t.Error("expected error for truncated dataset, got nil")
	}
}

func TestOddLengthPadding(t *testing.T) {
	ds := NewDataset()
	ds.AddString(TagStudyInstanceUID, "1.2.3") // odd length, UI pads with NUL

	encoded, err := EncodeDatasetWithTransferSyntax(ds, types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(encoded)%2 != 0 {
		t.Errorf("encoded length %d is odd", len(encoded))
	}

	decoded, err := ParseDataset(encoded)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := decoded.GetString(TagStudyInstanceUID); got != "1.2.3" {
		t.Errorf("study UID = %q, want %q (padding not stripped)", got, "1.2.3")
	}
}
