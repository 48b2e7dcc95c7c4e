package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func newTestServerSession(serverKey string) *ServerSession {
	return &ServerSession{
		ServerKey:       serverKey,
		Codec:           CodecNone,
		outbound:        make(chan outboundFrame, OutboundQueueSize),
		attachedClients: make(map[string]struct{}),
		log:             NopLogger{},
	}
}

func TestRegistryReserveFinalizeServer(t *testing.T) {
	r := NewRegistry(NopLogger{})

	evicted, err := r.ReserveServer("srv-1", CollisionReject)
	if err != nil {
		t.Fatalf("ReserveServer: %v", err)
	}
	if evicted != nil {
		t.Fatalf("expected no eviction on first reservation")
	}

	// A reserved-but-not-finalized slot is not yet visible to GetServer.
	if _, ok := r.GetServer("srv-1"); ok {
		t.Error("GetServer found a session before FinalizeServer")
	}

	session := newTestServerSession("srv-1")
	r.FinalizeServer(session)

	got, ok := r.GetServer("srv-1")
	if !ok || got != session {
		t.Errorf("GetServer after FinalizeServer = %s, %v", spew.Sdump(got), ok)
	}
}

func TestRegistryReserveServerCollisionReject(t *testing.T) {
	r := NewRegistry(NopLogger{})
	if _, err := r.ReserveServer("srv-1", CollisionReject); err != nil {
		t.Fatalf("first ReserveServer: %v", err)
	}
	r.FinalizeServer(newTestServerSession("srv-1"))

	_, err := r.ReserveServer("srv-1", CollisionReject)
	if !errors.Is(err, ErrServerKeyConflict) {
		t.Errorf("second ReserveServer error = %v, want ErrServerKeyConflict", err)
	}
}

func TestRegistryReserveServerCollisionEvict(t *testing.T) {
	r := NewRegistry(NopLogger{})
	if _, err := r.ReserveServer("srv-1", CollisionReject); err != nil {
		t.Fatalf("first ReserveServer: %v", err)
	}
	first := newTestServerSession("srv-1")
	r.FinalizeServer(first)

	evicted, err := r.ReserveServer("srv-1", CollisionEvict)
	if err != nil {
		t.Fatalf("ReserveServer with CollisionEvict: %v", err)
	}
	if evicted != first {
		t.Errorf("evicted = %v, want the first session", evicted)
	}

	second := newTestServerSession("srv-1")
	r.FinalizeServer(second)
	got, ok := r.GetServer("srv-1")
	if !ok || got != second {
		t.Errorf("GetServer after evict+finalize = %v, %v, want second session", got, ok)
	}
}

func TestRegistryAbandonReservation(t *testing.T) {
	r := NewRegistry(NopLogger{})
	if _, err := r.ReserveServer("srv-1", CollisionReject); err != nil {
		t.Fatalf("ReserveServer: %v", err)
	}
	r.AbandonReservation("srv-1")

	// The slot should be free again for a fresh reservation.
	if _, err := r.ReserveServer("srv-1", CollisionReject); err != nil {
		t.Errorf("ReserveServer after abandon: %v", err)
	}
}

func TestRegistryCloseServerCascadesClients(t *testing.T) {
	r := NewRegistry(NopLogger{})
	now := time.Now()

	session := newTestServerSession("srv-1")
	r.FinalizeServer(session)

	client, _ := r.GetOrCreateClient("client-a", now)
	session.Attach("client-a")

	r.CloseServer(session)

	if _, ok := r.GetServer("srv-1"); ok {
		t.Error("GetServer still finds a closed session")
	}
	if _, ok := r.GetClient("client-a"); ok {
		t.Error("GetClient still finds a client whose server was closed")
	}
	// The client's reply queue must have been closed too.
	if _, err := client.AwaitReply(context.Background(), now.Add(time.Second)); !errors.Is(err, ErrGone) {
		t.Errorf("AwaitReply after cascade-close = %v, want ErrGone", err)
	}
}

func TestRegistrySweepEvictsExpiredClients(t *testing.T) {
	r := NewRegistry(NopLogger{})
	base := time.Now()
	r.GetOrCreateClient("stays", base)
	r.GetOrCreateClient("expires", base.Add(-1*time.Hour))

	n := r.Sweep(base)
	if n != 1 {
		t.Fatalf("Sweep evicted %d sessions, want 1", n)
	}
	if _, ok := r.GetClient("expires"); ok {
		t.Error("expired client still present after Sweep")
	}
	if _, ok := r.GetClient("stays"); !ok {
		t.Error("live client evicted by Sweep")
	}
}

func TestRegistryDeliverToUnknownClientIsSilentlyDropped(t *testing.T) {
	r := NewRegistry(NopLogger{})
	r.Deliver("nobody-home", []byte("payload")) // must not panic
}
