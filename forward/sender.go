package forward

import (
	"context"
	"log/slog"
	"time"

	"github.com/Janxz264/dicom-bridge-mx/client"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// DICOMSender delivers jobs over a fresh outbound association per
// attempt: one association, one C-STORE, one release. Keeping no pooled
// connections means a half-dead archive never wedges the worker pool.
type DICOMSender struct {
	dest    client.Destination
	timeout time.Duration
	logger  *slog.Logger
}

// NewDICOMSender creates a sender for the destination archive.
func NewDICOMSender(dest client.Destination, timeout time.Duration, logger *slog.Logger) *DICOMSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DICOMSender{dest: dest, timeout: timeout, logger: logger}
}

// Send implements Sender.
func (s *DICOMSender) Send(ctx context.Context, job *Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	requests := []client.ContextRequest{{
		AbstractSyntax:   job.SOPClassUID,
		TransferSyntaxes: []string{job.TransferSyntaxUID},
	}}

	assoc, err := client.Connect(ctx, s.dest, requests, s.logger)
	if err != nil {
		return err
	}
	defer assoc.Release()

	return assoc.Store(ctx, job.SOPClassUID, job.SOPInstanceUID, job.Data)
}

// Probe opens a verification association to the destination and sends a
// C-ECHO, reporting whether the archive is reachable.
func (s *DICOMSender) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	requests := []client.ContextRequest{{
		AbstractSyntax:   types.VerificationSOPClass,
		TransferSyntaxes: types.DefaultTransferSyntaxes(),
	}}
	assoc, err := client.Connect(ctx, s.dest, requests, s.logger)
	if err != nil {
		return err
	}
	defer assoc.Release()
	return assoc.Echo(ctx)
}
