// Package dimse assembles DIMSE messages from PDV fragments, dispatches
// them to service handlers, and encodes responses.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// Command set tags (group 0000, PS3.7 E.1). Command sets are always
// encoded Implicit VR Little Endian regardless of the negotiated
// transfer syntax.
const (
	tagCommandGroupLength        = 0x0000
	tagAffectedSOPClassUID       = 0x0002
	tagCommandField              = 0x0100
	tagMessageID                 = 0x0110
	tagMessageIDBeingRespondedTo = 0x0120
	tagPriority                  = 0x0700
	tagCommandDataSetType        = 0x0800
	tagStatus                    = 0x0900
	tagAffectedSOPInstanceUID    = 0x1000
)

// DecodeCommand parses a group 0000 command set.
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{CommandDataSetType: types.NoDataSet}
	sawCommandField := false

	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated command element at offset %d", dicomerr.ErrInvalidMessage, offset)
		}
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueStart := offset + 8
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("%w: command element (%04x,%04x) exceeds buffer", dicomerr.ErrInvalidMessage, group, element)
		}
		value := data[valueStart:valueEnd]

		if group != 0x0000 {
			offset = valueEnd
			continue
		}

		switch element {
		case tagCommandField:
			msg.CommandField = readUint16(value)
			sawCommandField = true
		case tagMessageID:
			msg.MessageID = readUint16(value)
		case tagMessageIDBeingRespondedTo:
			msg.MessageIDBeingRespondedTo = readUint16(value)
		case tagAffectedSOPClassUID:
			msg.AffectedSOPClassUID = trimUID(value)
		case tagAffectedSOPInstanceUID:
			msg.AffectedSOPInstanceUID = trimUID(value)
		case tagPriority:
			msg.Priority = readUint16(value)
		case tagCommandDataSetType:
			msg.CommandDataSetType = readUint16(value)
		case tagStatus:
			msg.Status = readUint16(value)
		}
		offset = valueEnd
	}

	if !sawCommandField {
		return nil, fmt.Errorf("%w: command set has no command field", dicomerr.ErrInvalidMessage)
	}
	return msg, nil
}

// EncodeCommand serializes a command set with a correct group length.
func EncodeCommand(msg *types.Message) []byte {
	var body []byte
	if msg.AffectedSOPClassUID != "" {
		body = appendUIDElement(body, tagAffectedSOPClassUID, msg.AffectedSOPClassUID)
	}
	body = appendUint16Element(body, tagCommandField, msg.CommandField)
	switch msg.CommandField {
	case types.CStoreRQ, types.CFindRQ, types.CEchoRQ, types.CCancelRQ:
		body = appendUint16Element(body, tagMessageID, msg.MessageID)
	default:
		body = appendUint16Element(body, tagMessageIDBeingRespondedTo, msg.MessageIDBeingRespondedTo)
	}
	if msg.CommandField == types.CStoreRQ || msg.CommandField == types.CFindRQ {
		body = appendUint16Element(body, tagPriority, msg.Priority)
	}
	body = appendUint16Element(body, tagCommandDataSetType, msg.CommandDataSetType)
	if isResponse(msg.CommandField) {
		body = appendUint16Element(body, tagStatus, msg.Status)
	}
	if msg.AffectedSOPInstanceUID != "" {
		body = appendUIDElement(body, tagAffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)
	}

	var buf []byte
	groupLength := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	buf = appendCommandElement(buf, tagCommandGroupLength, groupLength)
	return append(buf, body...)
}

func isResponse(commandField uint16) bool {
	return commandField&0x8000 != 0
}

func readUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

func appendCommandElement(buf []byte, element uint16, value []byte) []byte {
	buf = append(buf, 0x00, 0x00, byte(element), byte(element>>8))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func appendUint16Element(buf []byte, element uint16, value uint16) []byte {
	return appendCommandElement(buf, element, binary.LittleEndian.AppendUint16(nil, value))
}

func appendUIDElement(buf []byte, element uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return appendCommandElement(buf, element, value)
}
