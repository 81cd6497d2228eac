// Package types contains the DIMSE and UID definitions shared by the
// protocol layers and the bridge services.
package types

// DIMSE command fields handled by the bridge.
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE status codes (PS3.7 / PS3.4).
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusCancel  = 0xFE00

	StatusOutOfResources   = 0xA700
	StatusUnableToProcess  = 0xC000
	StatusCannotUnderstand = 0xC001
)

// CommandDataSetType values.
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Message represents a parsed DIMSE command set.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
}

// HasDataset reports whether the command announces an accompanying dataset.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != NoDataSet
}

// ResponseCommandFor maps a DIMSE request command to its response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CFindRQ:
		return CFindRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}
