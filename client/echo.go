package client

import (
	"context"
	"fmt"

	"github.com/Janxz264/dicom-bridge-mx/dimse"
	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// Echo sends a C-ECHO over the association, probing that the destination
// is alive and speaks the verification service.
func (a *Association) Echo(ctx context.Context) error {
	ctxID, _, err := a.ContextFor(types.VerificationSOPClass)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		a.conn.SetDeadline(deadline)
	}

	req := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           a.allocateMessageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSet,
	}
	if err := dimse.SendMessage(a.conn, ctxID, a.peerMaxPDU, req, nil); err != nil {
		return err
	}

	rsp, _, err := dimse.ReceiveMessage(a.conn)
	if err != nil {
		return err
	}
	if rsp.CommandField != types.CEchoRSP {
		return fmt.Errorf("%w: expected C-ECHO-RSP, got 0x%04X", dicomerr.ErrInvalidMessage, rsp.CommandField)
	}
	if rsp.Status != types.StatusSuccess {
		return dicomerr.NewDIMSEError("C-ECHO", rsp.Status)
	}
	return nil
}
