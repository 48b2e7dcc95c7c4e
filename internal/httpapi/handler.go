package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emryslou/filetunnel/internal/broker"
	"github.com/emryslou/filetunnel/internal/metrics"
)

// Default timing, matching spec §4.5: the deadline a client's POST waits on,
// and the backpressure budget for enqueueing onto a server's outbound queue.
const (
	DefaultReplyDeadline = 60 * time.Second
	DefaultEnqueueBudget = 1 * time.Second
	maxRequestBodyBytes  = 16 << 20
)

// Handler implements C5: it accepts client POSTs, frames them onto the
// matching ServerSession, and waits on the ClientSession reply queue.
type Handler struct {
	Registry      *broker.Registry
	Log           broker.Logger
	ReplyDeadline time.Duration
	EnqueueBudget time.Duration
}

// NewHandler returns a Handler with spec-default timings.
func NewHandler(registry *broker.Registry, log broker.Logger) *Handler {
	if log == nil {
		log = broker.NopLogger{}
	}
	return &Handler{
		Registry:      registry,
		Log:           log,
		ReplyDeadline: DefaultReplyDeadline,
		EnqueueBudget: DefaultEnqueueBudget,
	}
}

// Routes registers the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/tunnel/v1/client/data", h.handleClientData)
	mux.HandleFunc("/tunnel/v1/server/ping", h.handleServerPing)
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Welcome To Use File Tunnel")
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := h.Registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"server_count":%d,"client_count":%d}`, stats.ServerCount, stats.ClientCount)
}

// serverKey reads X-Server-Key, falling back to the legacy X-Share-Key alias
// (spec §6).
func serverKey(r *http.Request) string {
	if v := r.Header.Get("X-Server-Key"); v != "" {
		return v
	}
	return r.Header.Get("X-Share-Key")
}

// handleServerPing supplements the spec from the original implementation's
// "registe" endpoint (spec §9A): a side-effect-only keepalive poke of a named
// server's socket, idempotent and never blocking on a reply.
func (h *Handler) handleServerPing(w http.ResponseWriter, r *http.Request) {
	sk := serverKey(r)
	if sk == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if session, ok := h.Registry.GetServer(sk); ok {
		cancel := make(chan struct{})
		close(cancel) // a ping never waits on backpressure; best-effort only
		_ = session.EncodeAndSend("", []byte{}, cancel)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClientData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sk := serverKey(r)
	ck := r.Header.Get("X-Client-Key")
	if sk == "" || ck == "" {
		metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	session, ok := h.Registry.GetServer(sk)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("offline").Inc()
		h.writeEnvelope(w, http.StatusNotFound, 403, "share key may be off line")
		return
	}

	now := time.Now()
	client, _ := h.Registry.GetOrCreateClient(ck, now)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// A sent request is "exchanged traffic" even before any reply arrives, so
	// the server's teardown cascade (Registry.CloseServer -> DetachAll) can
	// find and close this ClientSession instead of leaving it to expire on
	// its own (spec §4.4 R4).
	session.Attach(ck)

	cancel := make(chan struct{})
	budget := time.AfterFunc(h.EnqueueBudget, func() { close(cancel) })
	defer budget.Stop()
	if err := session.EncodeAndSend(ck, body, cancel); err != nil {
		h.Log.Log(broker.LogLevelWarn, "failed to enqueue client request", "server_key", sk, "client_key", ck, "err", err)
		switch {
		case errors.Is(err, broker.ErrServerUnavailable):
			metrics.RequestsTotal.WithLabelValues("offline").Inc()
			h.writeEnvelope(w, http.StatusForbidden, 403, "share key may be off line")
		default:
			metrics.RequestsTotal.WithLabelValues("bad_gateway").Inc()
			w.WriteHeader(http.StatusBadGateway)
		}
		return
	}

	reply, err := client.AwaitReply(r.Context(), now.Add(h.ReplyDeadline))
	switch {
	case err == nil:
		metrics.RequestsTotal.WithLabelValues("ok").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply)
	case errors.Is(err, broker.ErrTimeout):
		metrics.RequestsTotal.WithLabelValues("timeout").Inc()
		h.writeEnvelope(w, http.StatusGatewayTimeout, 403, "receiving data from server time out")
	case errors.Is(err, broker.ErrGone):
		metrics.RequestsTotal.WithLabelValues("gone").Inc()
		h.writeEnvelope(w, http.StatusForbidden, 403, "share key may be off line")
	default:
		metrics.RequestsTotal.WithLabelValues("bad_gateway").Inc()
		w.WriteHeader(http.StatusBadGateway)
	}
}

func (h *Handler) writeEnvelope(w http.ResponseWriter, httpStatus int, envelopeStatus uint16, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, _ = w.Write(NewErrorEnvelope(envelopeStatus, message))
}
