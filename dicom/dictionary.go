package dicom

// Tags the bridge reads or writes. Worklist response attributes follow
// the Modality Worklist information model (PS3.4 K.6).
var (
	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagModality             = Tag{0x0008, 0x0060}
	TagReferringPhysician   = Tag{0x0008, 0x0090}

	TagPatientName      = Tag{0x0010, 0x0010}
	TagPatientID        = Tag{0x0010, 0x0020}
	TagPatientBirthDate = Tag{0x0010, 0x0030}
	TagPatientSex       = Tag{0x0010, 0x0040}
	TagPatientComments  = Tag{0x0010, 0x4000}

	TagStudyInstanceUID = Tag{0x0020, 0x000D}

	TagRequestedProcedureDescription = Tag{0x0032, 0x1060}

	TagScheduledStationAETitle   = Tag{0x0040, 0x0001}
	TagScheduledStepStartDate    = Tag{0x0040, 0x0002}
	TagScheduledStepStartTime    = Tag{0x0040, 0x0003}
	TagScheduledPhysicianName    = Tag{0x0040, 0x0006}
	TagScheduledStepDescription  = Tag{0x0040, 0x0007}
	TagScheduledStepID           = Tag{0x0040, 0x0009}
	TagScheduledStepLocation     = Tag{0x0040, 0x0011}
	TagScheduledStepSequence     = Tag{0x0040, 0x0100}
	TagRequestedProcedureID      = Tag{0x0040, 0x1001}

	tagItem              = Tag{0xFFFE, 0xE000}
	tagItemDelimiter     = Tag{0xFFFE, 0xE00D}
	tagSequenceDelimiter = Tag{0xFFFE, 0xE0DD}
)

var dictionary = map[Tag]string{
	TagSpecificCharacterSet:          VR_CS,
	TagSOPClassUID:                   VR_UI,
	TagSOPInstanceUID:                VR_UI,
	TagAccessionNumber:               VR_SH,
	TagModality:                      VR_CS,
	TagReferringPhysician:            VR_PN,
	TagPatientName:                   VR_PN,
	TagPatientID:                     VR_LO,
	TagPatientBirthDate:              VR_DA,
	TagPatientSex:                    VR_CS,
	TagPatientComments:               VR_LT,
	TagStudyInstanceUID:              VR_UI,
	TagRequestedProcedureDescription: VR_LO,
	TagScheduledStationAETitle:       VR_AE,
	TagScheduledStepStartDate:        VR_DA,
	TagScheduledStepStartTime:        VR_TM,
	TagScheduledPhysicianName:        VR_PN,
	TagScheduledStepDescription:      VR_LO,
	TagScheduledStepID:               VR_SH,
	TagScheduledStepLocation:         VR_SH,
	TagScheduledStepSequence:         VR_SQ,
	TagRequestedProcedureID:          VR_SH,

	Tag{0x0008, 0x0020}: VR_DA, // Study Date
	Tag{0x0008, 0x0030}: VR_TM, // Study Time
	Tag{0x0008, 0x0052}: VR_CS, // Query/Retrieve Level
	Tag{0x0008, 0x1030}: VR_LO, // Study Description
	Tag{0x0020, 0x0010}: VR_SH, // Study ID
	Tag{0x0020, 0x0013}: VR_IS, // Instance Number
	Tag{0x7FE0, 0x0010}: VR_OW, // Pixel Data
}

// VRFor returns the dictionary VR for a tag, or UN when unknown.
func VRFor(tag Tag) string {
	if vr, ok := dictionary[tag]; ok {
		return vr
	}
	return VR_UN
}
