package forward

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Janxz264/dicom-bridge-mx/types"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "jobs.db"), filepath.Join(dir, "dead"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestStoreInsertAndReload(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	job := NewJob(testObject("1.2.3.400"))
	require.NoError(t, store.Insert(ctx, job))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got := pending[0]
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, types.SecondaryCaptureImageStorage, got.SOPClassUID)
	assert.Equal(t, "1.2.3.400", got.SOPInstanceUID)
	assert.Equal(t, types.ExplicitVRLittleEndian, got.TransferSyntaxUID)
	assert.Equal(t, "FLUORO1", got.SourceAETitle)
	assert.Equal(t, JobPending, got.State)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got.Data)
}

func TestStoreResetsInFlightOnReload(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	job := NewJob(testObject("1.2.3.401"))
	require.NoError(t, store.Insert(ctx, job))

	claimed, err := store.MarkInFlight(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// a crash leaves the job in_flight; reload must reclaim it
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, JobPending, pending[0].State)
}

func TestStoreClaimReportsMissingJob(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	job := NewJob(testObject("1.2.3.405"))
	require.NoError(t, store.Insert(ctx, job))
	require.NoError(t, store.MarkDelivered(ctx, job.ID))

	claimed, err := store.MarkInFlight(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestStoreRetryBookkeeping(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	job := NewJob(testObject("1.2.3.402"))
	require.NoError(t, store.Insert(ctx, job))

	next := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, store.MarkRetry(ctx, job.ID, 2, next, "connection refused"))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "connection refused", pending[0].LastError)
	assert.WithinDuration(t, next, pending[0].NextAttemptAt, time.Millisecond)
}

func TestStoreDeliveredJobsAreGone(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	job := NewJob(testObject("1.2.3.403"))
	require.NoError(t, store.Insert(ctx, job))
	require.NoError(t, store.MarkDelivered(ctx, job.ID))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestStoreDeadLetterWritesPart10Dump(t *testing.T) {
	store, dir := openTestStore(t)
	ctx := context.Background()

	job := NewJob(testObject("1.2.3.404"))
	job.Attempts = 8
	require.NoError(t, store.Insert(ctx, job))
	require.NoError(t, store.MarkDeadLettered(ctx, job, "gave up"))

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, JobDeadLettered, dead[0].State)
	assert.Equal(t, "gave up", dead[0].LastError)

	dump, err := os.ReadFile(filepath.Join(dir, "dead", "1.2.3.404.dcm"))
	require.NoError(t, err)
	require.Greater(t, len(dump), 132)
	assert.Equal(t, []byte("DICM"), dump[128:132])
	// the original payload rides at the tail, untouched
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, dump[len(dump)-4:])
}
