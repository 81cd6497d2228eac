// Package forward delivers received objects to the destination archive
// with bounded retries, persisting every job so a restart loses nothing.
package forward

import (
	"time"

	"github.com/google/uuid"

	"github.com/Janxz264/dicom-bridge-mx/storescp"
)

// JobState is the delivery phase of one forward job.
type JobState string

const (
	JobPending      JobState = "pending"
	JobInFlight     JobState = "in_flight"
	JobDelivered    JobState = "delivered"
	JobDeadLettered JobState = "dead_lettered"
)

// Job is one object awaiting delivery. The payload stays in the transfer
// syntax it arrived in.
type Job struct {
	ID                string
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	SourceAETitle     string

	State         JobState
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time

	Data []byte
}

// NewJob wraps a validated received object as a pending forward job.
func NewJob(obj *storescp.StoredObject) *Job {
	now := time.Now()
	return &Job{
		ID:                uuid.NewString(),
		SOPClassUID:       obj.SOPClassUID,
		SOPInstanceUID:    obj.SOPInstanceUID,
		TransferSyntaxUID: obj.TransferSyntaxUID,
		SourceAETitle:     obj.CallingAETitle,
		State:             JobPending,
		NextAttemptAt:     now,
		CreatedAt:         now,
		Data:              obj.Data,
	}
}
