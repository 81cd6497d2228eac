package storescp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Janxz264/dicom-bridge-mx/interfaces"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

type fakeQueue struct {
	objects []*StoredObject
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, obj *StoredObject) error {
	if q.err != nil {
		return q.err
	}
	q.objects = append(q.objects, obj)
	return nil
}

func storeRequest() *types.Message {
	return &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              9,
		AffectedSOPClassUID:    types.SecondaryCaptureImageStorage,
		AffectedSOPInstanceUID: "1.2.3.4.5",
		CommandDataSetType:     types.DataSetPresent,
	}
}

func storeMeta(associationID string) interfaces.MessageContext {
	return interfaces.MessageContext{
		CallingAETitle:    "FLUORO1",
		AssociationID:     associationID,
		TransferSyntaxUID: types.ExplicitVRLittleEndian,
	}
}

func TestHandlerAcceptsMultiFragmentObject(t *testing.T) {
	queue := &fakeQueue{}
	h := NewHandler(queue, 0, nil)
	ctx := context.Background()
	meta := storeMeta("assoc-1")
	msg := storeRequest()

	rsp, err := h.HandleFragment(ctx, msg, meta, 0, []byte("frag0"), false)
	require.NoError(t, err)
	assert.Nil(t, rsp)

	rsp, err = h.HandleFragment(ctx, msg, meta, 1, []byte("frag1"), false)
	require.NoError(t, err)
	assert.Nil(t, rsp)

	rsp, err = h.HandleFragment(ctx, msg, meta, 2, []byte("frag2"), true)
	require.NoError(t, err)
	require.NotNil(t, rsp)

	assert.Equal(t, uint16(types.CStoreRSP), rsp.CommandField)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	assert.Equal(t, uint16(9), rsp.MessageIDBeingRespondedTo)

	require.Len(t, queue.objects, 1)
	obj := queue.objects[0]
	assert.Equal(t, []byte("frag0frag1frag2"), obj.Data)
	assert.Equal(t, "1.2.3.4.5", obj.SOPInstanceUID)
	assert.Equal(t, types.SecondaryCaptureImageStorage, obj.SOPClassUID)
	assert.Equal(t, "FLUORO1", obj.CallingAETitle)
}

func TestHandlerRejectsUnknownStorageClass(t *testing.T) {
	queue := &fakeQueue{}
	h := NewHandler(queue, 0, nil)
	msg := storeRequest()
	msg.AffectedSOPClassUID = "1.2.3.999" // not a storage class

	rsp, err := h.HandleFragment(context.Background(), msg, storeMeta("assoc-1"), 0, []byte("data"), true)
	require.NoError(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, uint16(types.StatusCannotUnderstand), rsp.Status)
	assert.Empty(t, queue.objects)
}

func TestHandlerRejectsMissingInstanceUID(t *testing.T) {
	queue := &fakeQueue{}
	h := NewHandler(queue, 0, nil)
	msg := storeRequest()
	msg.AffectedSOPInstanceUID = ""

	rsp, err := h.HandleFragment(context.Background(), msg, storeMeta("assoc-1"), 0, []byte("data"), true)
	require.NoError(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, uint16(types.StatusCannotUnderstand), rsp.Status)
	assert.Empty(t, queue.objects)
}

func TestHandlerSizeCapBoundary(t *testing.T) {
	const sizeCap = 10

	// exactly at the cap: accepted
	queue := &fakeQueue{}
	h := NewHandler(queue, sizeCap, nil)
	rsp, err := h.HandleFragment(context.Background(), storeRequest(), storeMeta("assoc-1"),
		0, make([]byte, sizeCap), true)
	require.NoError(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	require.Len(t, queue.objects, 1)

	// one byte over: rejected mid-transfer
	queue = &fakeQueue{}
	h = NewHandler(queue, sizeCap, nil)
	rsp, err = h.HandleFragment(context.Background(), storeRequest(), storeMeta("assoc-2"),
		0, make([]byte, sizeCap+1), false)
	require.NoError(t, err)
	require.NotNil(t, rsp, "oversize transfer must be refused immediately")
	assert.Equal(t, uint16(types.StatusOutOfResources), rsp.Status)
	assert.Empty(t, queue.objects)
}

func TestHandlerDuplicateFragmentRejects(t *testing.T) {
	queue := &fakeQueue{}
	h := NewHandler(queue, 0, nil)
	ctx := context.Background()
	meta := storeMeta("assoc-1")
	msg := storeRequest()

	_, err := h.HandleFragment(ctx, msg, meta, 0, []byte("abc"), false)
	require.NoError(t, err)

	rsp, err := h.HandleFragment(ctx, msg, meta, 0, []byte("abc"), false)
	require.NoError(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, uint16(types.StatusCannotUnderstand), rsp.Status)
	assert.Empty(t, queue.objects)
}

func TestHandlerEnqueueFailureRefusesCommitment(t *testing.T) {
	queue := &fakeQueue{err: assert.AnError}
	h := NewHandler(queue, 0, nil)

	rsp, err := h.HandleFragment(context.Background(), storeRequest(), storeMeta("assoc-1"),
		0, []byte("data"), true)
	require.NoError(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, uint16(types.StatusOutOfResources), rsp.Status)
}

func TestHandlerAbortDiscardsPartialTransfer(t *testing.T) {
	queue := &fakeQueue{}
	h := NewHandler(queue, 0, nil)
	ctx := context.Background()
	meta := storeMeta("assoc-1")

	_, err := h.HandleFragment(ctx, storeRequest(), meta, 0, []byte("partial"), false)
	require.NoError(t, err)

	h.AbortTransfer(ctx, meta)
	assert.Empty(t, queue.objects)

	// a new transfer on the same association starts clean
	rsp, err := h.HandleFragment(ctx, storeRequest(), meta, 0, []byte("fresh"), true)
	require.NoError(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	require.Len(t, queue.objects, 1)
	assert.Equal(t, []byte("fresh"), queue.objects[0].Data)
}

func TestHandlerIndependentAssociations(t *testing.T) {
	queue := &fakeQueue{}
	h := NewHandler(queue, 0, nil)
	ctx := context.Background()

	_, err := h.HandleFragment(ctx, storeRequest(), storeMeta("assoc-a"), 0, []byte("aaa"), false)
	require.NoError(t, err)
	_, err = h.HandleFragment(ctx, storeRequest(), storeMeta("assoc-b"), 0, []byte("bbb"), false)
	require.NoError(t, err)

	rspA, err := h.HandleFragment(ctx, storeRequest(), storeMeta("assoc-a"), 1, []byte("AAA"), true)
	require.NoError(t, err)
	rspB, err := h.HandleFragment(ctx, storeRequest(), storeMeta("assoc-b"), 1, []byte("BBB"), true)
	require.NoError(t, err)

	assert.Equal(t, uint16(types.StatusSuccess), rspA.Status)
	assert.Equal(t, uint16(types.StatusSuccess), rspB.Status)
	require.Len(t, queue.objects, 2)
	assert.Equal(t, []byte("aaaAAA"), queue.objects[0].Data)
	assert.Equal(t, []byte("bbbBBB"), queue.objects[1].Data)
}
