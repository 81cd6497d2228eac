package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/Janxz264/dicom-bridge-mx/types"
)

const undefinedLength = 0xFFFFFFFF

func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OW, VR_SQ, VR_UN, VR_UT:
		return true
	}
	return false
}

func isBinaryVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OW, VR_UN, VR_US, VR_UL:
		return true
	}
	return false
}

// ParseDatasetWithTransferSyntax parses a dataset using the negotiated
// transfer syntax. Only the uncompressed little endian syntaxes are
// parseable; storage payloads in other syntaxes are relayed verbatim and
// never pass through here.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case types.ImplicitVRLittleEndian:
		return parseDataset(data, true)
	case "", types.ExplicitVRLittleEndian:
		return parseDataset(data, false)
	default:
		return nil, fmt.Errorf("cannot parse transfer syntax %s", transferSyntaxUID)
	}
}

// ParseDataset parses an Explicit VR Little Endian dataset.
func ParseDataset(data []byte) (*Dataset, error) {
	return parseDataset(data, false)
}

func parseDataset(data []byte, implicit bool) (*Dataset, error) {
	dataset := NewDataset()
	offset := 0
	for offset < len(data) {
		element, next, err := parseElement(data, offset, implicit)
		if err != nil {
			return nil, err
		}
		if element == nil { // delimiter item
			offset = next
			continue
		}
		dataset.Elements[element.Tag] = element
		offset = next
	}
	return dataset, nil
}

// parseElement parses one element starting at offset and returns it with
// the offset of the next element. Delimiter items return a nil element.
func parseElement(data []byte, offset int, implicit bool) (*Element, int, error) {
	if offset+8 > len(data) {
		return nil, 0, fmt.Errorf("truncated element header at offset %d", offset)
	}

	tag := Tag{
		Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
		Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
	}

	// Item and sequence delimiters carry no VR in either syntax.
	if tag == tagItemDelimiter || tag == tagSequenceDelimiter {
		return nil, offset + 8, nil
	}

	var vr string
	var length uint32
	var valueOffset int

	if implicit {
		vr = VRFor(tag)
		length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset = offset + 8
	} else {
		vr = string(data[offset+4 : offset+6])
		if isLongVR(vr) {
			if offset+12 > len(data) {
				return nil, 0, fmt.Errorf("truncated long VR header at offset %d", offset)
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
	}

	if vr == VR_SQ {
		items, next, err := parseSequence(data, valueOffset, length, implicit)
		if err != nil {
			return nil, 0, fmt.Errorf("sequence %s: %w", tag, err)
		}
		return &Element{Tag: tag, VR: VR_SQ, Value: items}, next, nil
	}

	if length == undefinedLength {
		return nil, 0, fmt.Errorf("undefined length on non-SQ element %s", tag)
	}
	if valueOffset+int(length) > len(data) {
		return nil, 0, fmt.Errorf("element %s value exceeds dataset length", tag)
	}

	raw := data[valueOffset : valueOffset+int(length)]
	var value interface{}
	if isBinaryVR(vr) {
		value = append([]byte(nil), raw...)
	} else {
		value = strings.TrimRight(string(raw), "\x00 ")
	}

	return &Element{Tag: tag, VR: vr, Value: value}, valueOffset + int(length), nil
}

func parseSequence(data []byte, offset int, length uint32, implicit bool) ([]*Dataset, int, error) {
	var items []*Dataset
	end := len(data)
	if length != undefinedLength {
		end = offset + int(length)
		if end > len(data) {
			return nil, 0, fmt.Errorf("sequence value exceeds dataset length")
		}
	}

	for offset < end {
		if offset+8 > len(data) {
			return nil, 0, fmt.Errorf("truncated item header")
		}
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}
		itemLength := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		offset += 8

		if tag == tagSequenceDelimiter {
			return items, offset, nil
		}
		if tag != tagItem {
			return nil, 0, fmt.Errorf("expected item tag, got %s", tag)
		}

		item := NewDataset()
		if itemLength == undefinedLength {
			for {
				if offset+8 > len(data) {
					return nil, 0, fmt.Errorf("unterminated undefined-length item")
				}
				next := Tag{
					Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
					Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
				}
				if next == tagItemDelimiter {
					offset += 8
					break
				}
				element, nextOffset, err := parseElement(data, offset, implicit)
				if err != nil {
					return nil, 0, err
				}
				if element != nil {
					item.Elements[element.Tag] = element
				}
				offset = nextOffset
			}
		} else {
			itemEnd := offset + int(itemLength)
			if itemEnd > len(data) {
				return nil, 0, fmt.Errorf("item value exceeds dataset length")
			}
			for offset < itemEnd {
				element, nextOffset, err := parseElement(data, offset, implicit)
				if err != nil {
					return nil, 0, err
				}
				if element != nil {
					item.Elements[element.Tag] = element
				}
				offset = nextOffset
			}
		}
		items = append(items, item)
	}

	if length == undefinedLength {
		return nil, 0, fmt.Errorf("unterminated undefined-length sequence")
	}
	return items, offset, nil
}

// EncodeDatasetWithTransferSyntax encodes the dataset in the negotiated
// transfer syntax. Sequences are written with explicit item lengths.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}
	switch transferSyntaxUID {
	case types.ImplicitVRLittleEndian:
		return encodeDataset(dataset, true), nil
	case "", types.ExplicitVRLittleEndian:
		return encodeDataset(dataset, false), nil
	default:
		return nil, fmt.Errorf("cannot encode transfer syntax %s", transferSyntaxUID)
	}
}

func encodeDataset(dataset *Dataset, implicit bool) []byte {
	var buf []byte
	for _, tag := range dataset.SortedTags() {
		buf = appendElement(buf, dataset.Elements[tag], implicit)
	}
	return buf
}

func appendElement(buf []byte, element *Element, implicit bool) []byte {
	valueBytes := encodeValue(element, implicit)
	if len(valueBytes)%2 == 1 {
		valueBytes = append(valueBytes, paddingFor(element.VR))
	}

	buf = append(buf, byte(element.Tag.Group), byte(element.Tag.Group>>8))
	buf = append(buf, byte(element.Tag.Element), byte(element.Tag.Element>>8))

	if implicit {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(valueBytes)))
	} else {
		vr := element.VR
		if vr == "" {
			vr = VRFor(element.Tag)
		}
		buf = append(buf, vr...)
		if isLongVR(vr) {
			buf = append(buf, 0x00, 0x00)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(valueBytes)))
		} else {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(valueBytes)))
		}
	}

	return append(buf, valueBytes...)
}

func encodeValue(element *Element, implicit bool) []byte {
	switch v := element.Value.(type) {
	case nil:
		return nil
	case string:
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		return []byte(strings.Join(v, "\\"))
	case []byte:
		return v
	case []*Dataset:
		var buf []byte
		for _, item := range v {
			itemBytes := encodeDataset(item, implicit)
			buf = append(buf, 0xFE, 0xFF, 0x00, 0xE0)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(itemBytes)))
			buf = append(buf, itemBytes...)
		}
		return buf
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	case int:
		return []byte(fmt.Sprintf("%d", v))
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

// UI values pad with NUL, everything else with space (PS3.5 6.2).
func paddingFor(vr string) byte {
	if vr == VR_UI {
		return 0x00
	}
	return 0x20
}
