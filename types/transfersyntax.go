package types

// Transfer syntax UIDs.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2" // retired, never negotiated
	JPEGBaseline           = "1.2.840.10008.1.2.4.50"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
	JPEG2000               = "1.2.840.10008.1.2.4.91"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// DefaultTransferSyntaxes are the syntaxes the bridge negotiates for its
// own codec. Compressed syntaxes are only accepted for storage contexts,
// where the payload is relayed verbatim and never decoded.
func DefaultTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
	}
}

// StorageTransferSyntaxes are acceptable on storage presentation
// contexts. The pipeline forwards pixel data untouched, so accepting a
// compressed syntax costs nothing and spares the modality a transcode.
func StorageTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
		JPEGBaseline,
		JPEG2000Lossless,
		JPEG2000,
		RLELossless,
	}
}

var transferSyntaxNames = map[string]string{
	ImplicitVRLittleEndian: "Implicit VR Little Endian",
	ExplicitVRLittleEndian: "Explicit VR Little Endian",
	ExplicitVRBigEndian:    "Explicit VR Big Endian (retired)",
	JPEGBaseline:           "JPEG Baseline (Process 1)",
	JPEG2000Lossless:       "JPEG 2000 Lossless Only",
	JPEG2000:               "JPEG 2000",
	RLELossless:            "RLE Lossless",
}

// TransferSyntaxName returns a human-readable name, or the UID itself.
func TransferSyntaxName(uid string) string {
	if name, ok := transferSyntaxNames[uid]; ok {
		return name
	}
	return uid
}

// IsUncompressed reports whether the transfer syntax is one the bridge
// codec can parse (implicit or explicit VR little endian).
func IsUncompressed(uid string) bool {
	return uid == ImplicitVRLittleEndian || uid == ExplicitVRLittleEndian
}
