package client

import (
	"context"
	"fmt"

	"github.com/Janxz264/dicom-bridge-mx/dimse"
	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// Store sends one C-STORE over the association. The dataset travels
// verbatim; it must already be encoded in a transfer syntax accepted for
// the object's SOP class.
func (a *Association) Store(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) error {
	ctxID, _, err := a.ContextFor(sopClassUID)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		a.conn.SetDeadline(deadline)
	}

	req := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              a.allocateMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     types.DataSetPresent,
	}
	if err := dimse.SendMessage(a.conn, ctxID, a.peerMaxPDU, req, dataset); err != nil {
		return err
	}

	rsp, _, err := dimse.ReceiveMessage(a.conn)
	if err != nil {
		return err
	}
	if rsp.CommandField != types.CStoreRSP {
		return fmt.Errorf("%w: expected C-STORE-RSP, got 0x%04X", dicomerr.ErrInvalidMessage, rsp.CommandField)
	}
	if rsp.Status != types.StatusSuccess {
		return dicomerr.NewDIMSEError("C-STORE", rsp.Status)
	}
	return nil
}
