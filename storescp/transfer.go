package storescp

import (
	"fmt"
	"sync"
	"time"
)

// TransferState is the lifecycle phase of one inbound object transfer.
type TransferState int32

const (
	TransferReceiving TransferState = iota
	TransferValidating
	TransferCompleted
	TransferRejected
	TransferAborted
)

func (s TransferState) String() string {
	switch s {
	case TransferReceiving:
		return "receiving"
	case TransferValidating:
		return "validating"
	case TransferCompleted:
		return "completed"
	case TransferRejected:
		return "rejected"
	case TransferAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var transferTransitions = map[TransferState][]TransferState{
	TransferReceiving:  {TransferValidating, TransferAborted},
	TransferValidating: {TransferCompleted, TransferRejected},
}

// Transfer is one in-flight C-STORE receive. Rejected and Aborted are
// terminal; a terminal transfer never reaches the forwarding queue.
type Transfer struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	CallingAETitle    string
	MessageID         uint16

	assembler *Assembler
	started   time.Time

	mu    sync.Mutex
	state TransferState
}

func newTransfer(sopClassUID, sopInstanceUID, transferSyntaxUID, callingAE string, messageID uint16) *Transfer {
	return &Transfer{
		SOPClassUID:       sopClassUID,
		SOPInstanceUID:    sopInstanceUID,
		TransferSyntaxUID: transferSyntaxUID,
		CallingAETitle:    callingAE,
		MessageID:         messageID,
		assembler:         NewAssembler(),
		started:           time.Now(),
	}
}

// State returns the current phase.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transfer) transition(to TransferState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, allowed := range transferTransitions[t.state] {
		if allowed == to {
			t.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transfer transition %s -> %s", t.state, to)
}
