package dicom

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Implementation identity written into file meta headers.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1457.1"
	ImplementationVersionName = "DICOM_BRIDGE_MX"
)

// WritePart10 writes a received dataset as a DICOM Part-10 file: 128-byte
// preamble, "DICM" prefix, explicit VR file meta group, then the dataset
// verbatim in its original transfer syntax. Used to retain dead-lettered
// payloads in a form any DICOM viewer can open.
func WritePart10(w io.Writer, sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte) error {
	if sopClassUID == "" || sopInstanceUID == "" {
		return fmt.Errorf("part10: SOP class and instance UIDs are required")
	}
	if transferSyntaxUID == "" {
		return fmt.Errorf("part10: transfer syntax is required")
	}

	meta := buildFileMeta(sopClassUID, sopInstanceUID, transferSyntaxUID)

	preamble := make([]byte, 128)
	if _, err := w.Write(preamble); err != nil {
		return fmt.Errorf("part10: write preamble: %w", err)
	}
	if _, err := w.Write([]byte("DICM")); err != nil {
		return fmt.Errorf("part10: write prefix: %w", err)
	}
	if _, err := w.Write(meta); err != nil {
		return fmt.Errorf("part10: write file meta: %w", err)
	}
	if _, err := w.Write(dataset); err != nil {
		return fmt.Errorf("part10: write dataset: %w", err)
	}
	return nil
}

// buildFileMeta encodes the group 0002 file meta elements in Explicit VR
// Little Endian, as the standard requires regardless of dataset syntax.
func buildFileMeta(sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	var body []byte
	body = appendMetaElement(body, 0x0001, VR_OB, []byte{0x00, 0x01})
	body = appendMetaElement(body, 0x0002, VR_UI, []byte(sopClassUID))
	body = appendMetaElement(body, 0x0003, VR_UI, []byte(sopInstanceUID))
	body = appendMetaElement(body, 0x0010, VR_UI, []byte(transferSyntaxUID))
	body = appendMetaElement(body, 0x0012, VR_UI, []byte(ImplementationClassUID))
	body = appendMetaElement(body, 0x0013, VR_SH, []byte(ImplementationVersionName))

	// Group length (0002,0000) counts everything after itself.
	var meta []byte
	groupLength := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	meta = appendMetaElement(meta, 0x0000, VR_UL, groupLength)
	return append(meta, body...)
}

func appendMetaElement(buf []byte, element uint16, vr string, value []byte) []byte {
	if len(value)%2 == 1 {
		value = append(value, paddingFor(vr))
	}
	buf = append(buf, 0x02, 0x00, byte(element), byte(element>>8))
	buf = append(buf, vr...)
	if isLongVR(vr) {
		buf = append(buf, 0x00, 0x00)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	}
	return append(buf, value...)
}
