package wsapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emryslou/filetunnel/internal/broker"
)

func dial(t *testing.T, srv *httptest.Server, serverKey string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel/v1/server/ws"
	header := http.Header{}
	header.Set("X-Server-Key", serverKey)
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func TestHandleUpgradeMissingServerKey(t *testing.T) {
	registry := broker.NewRegistry(broker.NopLogger{})
	h := NewHandler(registry, broker.NopLogger{})
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, resp, err := dial(t, srv, "")
	if err == nil {
		t.Fatal("expected dial to fail for missing server key")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestHandleUpgradeDuplicateKeyRejected(t *testing.T) {
	registry := broker.NewRegistry(broker.NopLogger{})
	h := NewHandler(registry, broker.NopLogger{})
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	first, _, err := dial(t, srv, "dup-key")
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	// Give the server-side handler a moment to finalize the reservation.
	time.Sleep(10 * time.Millisecond)

	_, resp, err := dial(t, srv, "dup-key")
	if err == nil {
		t.Fatal("expected second dial with the same server key to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Errorf("status = %d, want %d (409)", code, http.StatusConflict)
	}

	if _, ok := registry.GetServer("dup-key"); !ok {
		t.Error("original session should still be registered after a rejected duplicate")
	}
}

func TestHandleUpgradeEvictOnCollision(t *testing.T) {
	registry := broker.NewRegistry(broker.NopLogger{})
	h := NewHandler(registry, broker.NopLogger{})
	h.Collision = broker.CollisionEvict
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	first, _, err := dial(t, srv, "evict-key")
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	time.Sleep(10 * time.Millisecond)

	second, resp, err := dial(t, srv, "evict-key")
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}

	// The original connection should observe a close from the server side
	// once the new one evicts it.
	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = first.ReadMessage()
	if err == nil {
		t.Error("expected the evicted connection's read to fail")
	}
}
