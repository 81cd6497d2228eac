// Package storescp receives C-STORE objects: it reassembles dataset
// fragments, validates the result, and hands accepted objects to the
// forwarding queue.
package storescp

import (
	"fmt"

	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
)

// Assembler rebuilds a dataset from sequence-numbered fragments. Arrival
// order does not matter: each fragment is indexed by its sequence
// number, and the transfer is complete once the closing fragment and
// every predecessor are present. Duplicate sequence numbers are
// rejected.
type Assembler struct {
	fragments map[int][]byte
	lastSeq   int // sequence of the closing fragment, -1 until seen
	size      int
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{fragments: make(map[int][]byte), lastSeq: -1}
}

// Add records one fragment. last marks the closing fragment; its
// sequence number fixes the expected fragment count.
func (a *Assembler) Add(seq int, data []byte, last bool) error {
	if seq < 0 {
		return fmt.Errorf("%w: negative sequence %d", dicomerr.ErrInvalidMessage, seq)
	}
	if a.lastSeq >= 0 && seq > a.lastSeq {
		return fmt.Errorf("%w: fragment %d after closing fragment %d", dicomerr.ErrInvalidMessage, seq, a.lastSeq)
	}
	if _, dup := a.fragments[seq]; dup {
		return fmt.Errorf("%w: %d", dicomerr.ErrDuplicateFragment, seq)
	}
	if last {
		if a.lastSeq >= 0 {
			return fmt.Errorf("%w: second closing fragment %d", dicomerr.ErrInvalidMessage, seq)
		}
		a.lastSeq = seq
	}

	owned := append([]byte(nil), data...)
	a.fragments[seq] = owned
	a.size += len(owned)
	return nil
}

// Complete reports whether the closing fragment and all predecessors
// have arrived.
func (a *Assembler) Complete() bool {
	if a.lastSeq < 0 {
		return false
	}
	return len(a.fragments) == a.lastSeq+1
}

// Size returns the bytes accumulated so far.
func (a *Assembler) Size() int {
	return a.size
}

// Bytes concatenates the fragments in sequence order. It fails if the
// transfer is incomplete.
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("%w: %d of %d fragments received", dicomerr.ErrInvalidMessage, len(a.fragments), a.lastSeq+1)
	}
	buf := make([]byte, 0, a.size)
	for seq := 0; seq <= a.lastSeq; seq++ {
		buf = append(buf, a.fragments[seq]...)
	}
	return buf, nil
}
