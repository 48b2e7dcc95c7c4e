// Package wsapi implements C6: the content-server-facing WebSocket upgrade
// endpoint that registers a ServerSession and runs its read/write loops.
package wsapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/emryslou/filetunnel/internal/broker"
)

// MaxFrameBytes is the spec's cap on a single WS message (§4.6).
const MaxFrameBytes = 1 << 20

// Handler upgrades GET /tunnel/v1/server/ws requests and wires the resulting
// ServerSession into the Registry.
type Handler struct {
	Registry  *broker.Registry
	Log       broker.Logger
	Collision broker.ServerKeyCollision

	upgrader websocket.Upgrader
}

// NewHandler returns a Handler using the spec's default collision policy
// (reject) unless overridden via h.Collision after construction.
func NewHandler(registry *broker.Registry, log broker.Logger) *Handler {
	if log == nil {
		log = broker.NopLogger{}
	}
	return &Handler{
		Registry:  registry,
		Log:       log,
		Collision: broker.CollisionReject,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"rust-websocket"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes registers the handler's endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/tunnel/v1/server/ws", h.handleUpgrade)
}

func serverKey(r *http.Request) string {
	if v := r.Header.Get("X-Server-Key"); v != "" {
		return v
	}
	return r.Header.Get("X-Share-Key")
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sk := serverKey(r)
	if sk == "" {
		http.Error(w, "X-Server-Key required", http.StatusBadRequest)
		return
	}
	codec := broker.ParseCodec(r.Header.Get("X-Frame-Codec"))

	// Reserve the slot before the handshake so a rejected upgrade gets a
	// plain HTTP 409 rather than an accept-then-close (spec §4.6).
	evicted, err := h.Registry.ReserveServer(sk, h.Collision)
	if err != nil {
		h.Log.Log(broker.LogLevelInfo, "rejecting duplicate server key", "server_key", sk)
		http.Error(w, "server key already connected", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Log(broker.LogLevelWarn, "websocket upgrade failed", "server_key", sk, "err", err)
		h.Registry.AbandonReservation(sk)
		return
	}
	conn.SetReadLimit(MaxFrameBytes)

	session := broker.NewServerSession(sk, conn, codec, h.Log)
	h.Registry.FinalizeServer(session)

	if evicted != nil {
		h.Log.Log(broker.LogLevelInfo, "evicting previous session for server key", "server_key", sk)
		h.Registry.CloseServer(evicted)
	}

	h.Log.Log(broker.LogLevelInfo, "server connected", "server_key", sk, "codec", string(codec))

	go session.WriteLoop()
	session.ReadLoop(func(clientKey string, payload []byte) {
		h.Registry.Deliver(clientKey, payload)
	})

	h.Registry.CloseServer(session)
	h.Log.Log(broker.LogLevelInfo, "server disconnected", "server_key", sk)
}
