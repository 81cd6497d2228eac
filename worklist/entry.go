package worklist

import (
	"fmt"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// Entry is one scheduled procedure step row.
type Entry struct {
	AppointmentID int64
	PatientKey    int64
	PatientName   string
	BirthDate     string
	Sex           string
	Comments      string

	Modality         string
	StationAETitle   string
	StartDate        string
	StartTime        string
	PhysicianName    string
	StepDescription  string
	ProcedureID      string
	StepLocation     string
}

// AccessionNumber renders the appointment id zero-padded to eight
// digits, the form modalities print on film labels.
func (e *Entry) AccessionNumber() string {
	return fmt.Sprintf("%08d", e.AppointmentID)
}

// StudyInstanceUID derives a stable study UID from the appointment and
// patient keys, so re-queries for the same step produce the same UID.
func (e *Entry) StudyInstanceUID() string {
	return fmt.Sprintf("1.2.3.%d.%d", e.AppointmentID, e.PatientKey)
}

// Dataset renders the entry as a worklist response identifier, limited
// to the return keys the query asked for. The scheduled procedure step
// attributes always travel inside the step sequence item.
func (e *Entry) Dataset(q *MatchQuery) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddString(dicom.TagSpecificCharacterSet, "ISO_IR 100")
	ds.AddString(dicom.TagSOPClassUID, types.ModalityWorklistFindSOPClass)

	if q.WantsTag(dicom.TagAccessionNumber) {
		ds.AddString(dicom.TagAccessionNumber, e.AccessionNumber())
	}
	if q.WantsTag(dicom.TagPatientName) {
		ds.AddString(dicom.TagPatientName, e.PatientName)
	}
	if q.WantsTag(dicom.TagPatientID) {
		ds.AddString(dicom.TagPatientID, fmt.Sprintf("%d", e.PatientKey))
	}
	if q.WantsTag(dicom.TagPatientBirthDate) {
		ds.AddString(dicom.TagPatientBirthDate, e.BirthDate)
	}
	if q.WantsTag(dicom.TagPatientSex) {
		ds.AddString(dicom.TagPatientSex, e.Sex)
	}
	if q.WantsTag(dicom.TagPatientComments) && e.Comments != "" {
		ds.AddString(dicom.TagPatientComments, e.Comments)
	}
	if q.WantsTag(dicom.TagStudyInstanceUID) {
		ds.AddString(dicom.TagStudyInstanceUID, e.StudyInstanceUID())
	}
	if q.WantsTag(dicom.TagReferringPhysician) && e.PhysicianName != "" {
		ds.AddString(dicom.TagReferringPhysician, e.PhysicianName)
	}
	if q.WantsTag(dicom.TagRequestedProcedureDescription) {
		ds.AddString(dicom.TagRequestedProcedureDescription, e.StepDescription)
	}
	if q.WantsTag(dicom.TagRequestedProcedureID) {
		ds.AddString(dicom.TagRequestedProcedureID, e.ProcedureID)
	}

	step := dicom.NewDataset()
	step.AddString(dicom.TagScheduledStationAETitle, e.StationAETitle)
	step.AddString(dicom.TagScheduledStepStartDate, e.StartDate)
	step.AddString(dicom.TagScheduledStepStartTime, e.StartTime)
	step.AddString(dicom.TagModality, e.Modality)
	step.AddString(dicom.TagScheduledPhysicianName, e.PhysicianName)
	step.AddString(dicom.TagScheduledStepDescription, e.StepDescription)
	step.AddString(dicom.TagScheduledStepID, e.ProcedureID)
	step.AddString(dicom.TagScheduledStepLocation, e.StepLocation)
	ds.AddSequence(dicom.TagScheduledStepSequence, step)

	return ds
}
