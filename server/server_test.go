package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/Janxz264/dicom-bridge-mx/client"
	"github.com/Janxz264/dicom-bridge-mx/pdu"
	"github.com/Janxz264/dicom-bridge-mx/server"
	"github.com/Janxz264/dicom-bridge-mx/services"
	"github.com/Janxz264/dicom-bridge-mx/storescp"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

type captureQueue struct {
	objects chan *storescp.StoredObject
}

func (q *captureQueue) Enqueue(_ context.Context, obj *storescp.StoredObject) error {
	q.objects <- obj
	return nil
}

func startTestServer(t *testing.T, queue storescp.Enqueuer) (string, context.CancelFunc) {
	t.Helper()

	registry := services.NewRegistry()
	registry.Register(types.CEchoRQ, services.NewVerificationHandler(nil))
	if queue != nil {
		registry.Register(types.CStoreRQ, storescp.NewHandler(queue, 0, nil))
	}

	caps := pdu.Capabilities{
		AETitle: "BRIDGE",
		AbstractSyntaxes: map[string][]string{
			types.VerificationSOPClass:           types.DefaultTransferSyntaxes(),
			types.SecondaryCaptureImageStorage:   types.StorageTransferSyntaxes(),
		},
	}

	srv := server.New("127.0.0.1", 0, caps, registry)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr().String(), cancel
}

func testDestination(addr string) client.Destination {
	return client.Destination{
		Addr:           addr,
		CalledAETitle:  "BRIDGE",
		CallingAETitle: "FLUORO1",
		ConnectTimeout: 2 * time.Second,
	}
}

func TestEchoRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t, nil)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assoc, err := client.Connect(ctx, testDestination(addr), []client.ContextRequest{
		{AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: types.DefaultTransferSyntaxes()},
	}, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer assoc.Release()

	if err := assoc.Echo(ctx); err != nil {
		t.Fatalf("echo failed: %v", err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	queue := &captureQueue{objects: make(chan *storescp.StoredObject, 1)}
	addr, stop := startTestServer(t, queue)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assoc, err := client.Connect(ctx, testDestination(addr), []client.ContextRequest{
		{AbstractSyntax: types.SecondaryCaptureImageStorage,
			TransferSyntaxes: []string{types.ExplicitVRLittleEndian}},
	}, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer assoc.Release()

	// payload larger than one PDU so the server reassembles fragments
	payload := make([]byte, 50000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	if err := assoc.Store(ctx, types.SecondaryCaptureImageStorage, "1.2.3.4.5.6", payload); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	select {
	case obj := <-queue.objects:
		if obj.SOPInstanceUID != "1.2.3.4.5.6" {
			t.Errorf("instance UID = %q, want 1.2.3.4.5.6", obj.SOPInstanceUID)
		}
		if obj.CallingAETitle != "FLUORO1" {
			t.Errorf("calling AE = %q, want FLUORO1", obj.CallingAETitle)
		}
		if len(obj.Data) != len(payload) {
			t.Fatalf("payload %d bytes, want %d", len(obj.Data), len(payload))
		}
		for i := range payload {
			if obj.Data[i] != payload[i] {
				t.Fatalf("payload byte %d differs", i)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("object never reached the queue")
	}
}

func TestRejectedAssociation(t *testing.T) {
	addr, stop := startTestServer(t, nil)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// propose only an abstract syntax the server does not serve
	_, err := client.Connect(ctx, testDestination(addr), []client.ContextRequest{
		{AbstractSyntax: types.CTImageStorage,
			TransferSyntaxes: []string{types.ExplicitVRLittleEndian}},
	}, nil)
	if err == nil {
		t.Fatal("expected association rejection, got nil error")
	}
}
