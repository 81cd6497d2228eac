package types

// ApplicationContextUID is the DICOM application context proposed and
// accepted on every association.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Service SOP classes the bridge implements as an SCP.
const (
	VerificationSOPClass         = "1.2.840.10008.1.1"
	ModalityWorklistFindSOPClass = "1.2.840.10008.5.1.4.31"
)

// Storage SOP classes. The bridge accepts these for C-STORE and replays
// them verbatim to the forward destination.
const (
	ComputedRadiographyImageStorage     = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPres      = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageForProc      = "1.2.840.10008.5.1.4.1.1.1.1.1"
	CTImageStorage                      = "1.2.840.10008.5.1.4.1.1.2"
	UltrasoundImageStorage              = "1.2.840.10008.5.1.4.1.1.6.1"
	MRImageStorage                      = "1.2.840.10008.5.1.4.1.1.4"
	SecondaryCaptureImageStorage        = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage        = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicImageStorage   = "1.2.840.10008.5.1.4.1.1.12.2"
	EncapsulatedPDFStorage              = "1.2.840.10008.5.1.4.1.1.104.1"
	XRayRadiationDoseSRStorage          = "1.2.840.10008.5.1.4.1.1.88.67"
	GrayscaleSoftcopyPresentationState  = "1.2.840.10008.5.1.4.1.1.11.1"
	BasicTextSRStorage                  = "1.2.840.10008.5.1.4.1.1.88.11"
	EnhancedSRStorage                   = "1.2.840.10008.5.1.4.1.1.88.22"
)

// DefaultStorageSOPClasses is the storage whitelist used when the
// configuration does not name one. It mirrors the object classes the
// fixed-function modalities this bridge fronts are known to emit.
func DefaultStorageSOPClasses() []string {
	return []string{
		SecondaryCaptureImageStorage,
		XRayRadiofluoroscopicImageStorage,
		ComputedRadiographyImageStorage,
		DigitalXRayImageStorageForPres,
		XRayAngiographicImageStorage,
		EncapsulatedPDFStorage,
		XRayRadiationDoseSRStorage,
	}
}

var storageSOPClasses = map[string]string{
	ComputedRadiographyImageStorage:    "Computed Radiography Image Storage",
	DigitalXRayImageStorageForPres:     "Digital X-Ray Image Storage - For Presentation",
	DigitalXRayImageStorageForProc:     "Digital X-Ray Image Storage - For Processing",
	CTImageStorage:                     "CT Image Storage",
	UltrasoundImageStorage:             "Ultrasound Image Storage",
	MRImageStorage:                     "MR Image Storage",
	SecondaryCaptureImageStorage:       "Secondary Capture Image Storage",
	XRayAngiographicImageStorage:       "X-Ray Angiographic Image Storage",
	XRayRadiofluoroscopicImageStorage:  "X-Ray Radiofluoroscopic Image Storage",
	EncapsulatedPDFStorage:             "Encapsulated PDF Storage",
	XRayRadiationDoseSRStorage:         "X-Ray Radiation Dose SR Storage",
	GrayscaleSoftcopyPresentationState: "Grayscale Softcopy Presentation State Storage",
	BasicTextSRStorage:                 "Basic Text SR Storage",
	EnhancedSRStorage:                  "Enhanced SR Storage",
}

// IsStorageSOPClass reports whether uid names a known storage SOP class.
func IsStorageSOPClass(uid string) bool {
	_, ok := storageSOPClasses[uid]
	return ok
}

// SOPClassName returns a human-readable name for known SOP classes,
// or the UID itself.
func SOPClassName(uid string) string {
	switch uid {
	case VerificationSOPClass:
		return "Verification SOP Class"
	case ModalityWorklistFindSOPClass:
		return "Modality Worklist Information Model - FIND"
	}
	if name, ok := storageSOPClasses[uid]; ok {
		return name
	}
	return uid
}
