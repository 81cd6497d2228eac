package dimse

import (
	"fmt"
	"net"

	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/pdu"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// SendMessage writes a DIMSE command and optional dataset over an open
// association, fragmenting to the peer's maximum PDU length. Used by the
// outbound client; the inbound side goes through pdu.Layer.SendMessage.
func SendMessage(conn net.Conn, presContextID byte, maxPDULength int, msg *types.Message, dataset []byte) error {
	if err := pdu.WritePDataTF(conn, presContextID, maxPDULength, EncodeCommand(msg), true); err != nil {
		return dicomerr.NewTransportError("send command", err)
	}
	if len(dataset) > 0 {
		if err := pdu.WritePDataTF(conn, presContextID, maxPDULength, dataset, false); err != nil {
			return dicomerr.NewTransportError("send dataset", err)
		}
	}
	return nil
}

// ReceiveMessage reads PDUs until one complete DIMSE message arrives,
// reassembling command and dataset fragments. An A-ABORT or release from
// the peer surfaces as ErrConnectionClosed.
func ReceiveMessage(conn net.Conn) (*types.Message, []byte, error) {
	var commandBuf, dataBuf []byte
	var msg *types.Message

	for {
		p, err := pdu.ReadPDU(conn)
		if err != nil {
			return nil, nil, dicomerr.NewTransportError("read PDU", err)
		}

		switch p.Type {
		case pdu.TypePDataTF:
			// fall through to PDV processing below
		case pdu.TypeAbort, pdu.TypeReleaseRQ:
			return nil, nil, dicomerr.ErrConnectionClosed
		default:
			return nil, nil, fmt.Errorf("%w: unexpected PDU type 0x%02x", dicomerr.ErrInvalidPDU, p.Type)
		}

		offset := 0
		for offset < len(p.Data) {
			if offset+6 > len(p.Data) {
				return nil, nil, fmt.Errorf("%w: truncated PDV header", dicomerr.ErrInvalidPDU)
			}
			pdvLength := int(uint32(p.Data[offset])<<24 | uint32(p.Data[offset+1])<<16 |
				uint32(p.Data[offset+2])<<8 | uint32(p.Data[offset+3]))
			end := offset + 4 + pdvLength
			if pdvLength < 2 || end > len(p.Data) {
				return nil, nil, fmt.Errorf("%w: PDV length exceeds PDU", dicomerr.ErrInvalidPDU)
			}

			ctrl := p.Data[offset+5]
			value := p.Data[offset+6 : end]
			isCommand := ctrl&0x01 != 0
			isLast := ctrl&0x02 != 0

			if isCommand {
				commandBuf = append(commandBuf, value...)
				if isLast {
					msg, err = DecodeCommand(commandBuf)
					if err != nil {
						return nil, nil, err
					}
					if !msg.HasDataset() {
						return msg, nil, nil
					}
				}
			} else {
				dataBuf = append(dataBuf, value...)
				if isLast {
					if msg == nil {
						return nil, nil, fmt.Errorf("%w: dataset without a command", dicomerr.ErrInvalidMessage)
					}
					return msg, dataBuf, nil
				}
			}
			offset = end
		}
	}
}
