package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/emryslou/filetunnel/internal/metrics"
)

// Registry is the broker-wide index of live ServerSessions and
// ClientSessions (spec §4.4). It is passed explicitly to every component
// that needs it (HTTPHandler, WSHandler, Janitor) rather than kept as
// package-level state, per spec §9's design note on global mutable state.
//
// Locking discipline (spec §5): serverMu is always acquired before clientMu
// when both are needed, to avoid deadlocking the cascade-close path against
// ordinary lookups.
type Registry struct {
	serverMu sync.RWMutex
	servers  map[string]*ServerSession

	clientMu sync.RWMutex
	clients  map[string]*ClientSession

	log Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(log Logger) *Registry {
	if log == nil {
		log = NopLogger{}
	}
	return &Registry{
		servers: make(map[string]*ServerSession),
		clients: make(map[string]*ClientSession),
		log:     log,
	}
}

// ServerKeyCollision selects what ReserveServer does when a session already
// exists for a key (spec §4.6, §9).
type ServerKeyCollision int

const (
	// CollisionReject rejects the new upgrade, leaving the existing session
	// live. This is the spec's decided default.
	CollisionReject ServerKeyCollision = iota
	// CollisionEvict closes the existing session and installs the new one.
	CollisionEvict
)

// ReserveServer atomically checks for and, if allowed, reserves the slot for
// serverKey before the WebSocket handshake completes. This lets WSHandler
// answer a rejected upgrade with a plain HTTP 409 instead of accepting the
// handshake and then closing it, and it closes the TOCTOU window between
// "no session exists" and "install the new one": the reservation (a nil
// placeholder) is visible to any concurrent ReserveServer call immediately.
//
// On CollisionReject, a pre-existing session (or reservation) fails the call
// with ErrServerKeyConflict. On CollisionEvict, the pre-existing session (if
// fully established) is returned as evicted so the caller can tear it down
// once the new one has taken its place.
func (r *Registry) ReserveServer(serverKey string, policy ServerKeyCollision) (evicted *ServerSession, err error) {
	r.serverMu.Lock()
	defer r.serverMu.Unlock()

	existing, ok := r.servers[serverKey]
	if ok {
		if policy == CollisionReject {
			metrics.ServerKeyConflictsTotal.Inc()
			return nil, fmt.Errorf("server %q: %w", serverKey, ErrServerKeyConflict)
		}
		r.servers[serverKey] = nil
		if existing != nil {
			metrics.ServerSessions.Dec()
		}
		return existing, nil
	}
	r.servers[serverKey] = nil
	return nil, nil
}

// FinalizeServer installs session into its reserved slot once its WebSocket
// handshake has completed.
func (r *Registry) FinalizeServer(session *ServerSession) {
	r.serverMu.Lock()
	r.servers[session.ServerKey] = session
	r.serverMu.Unlock()
	metrics.ServerSessions.Inc()
}

// AbandonReservation releases a reservation that was never finalized, e.g.
// because the WS handshake itself failed after the slot was reserved.
func (r *Registry) AbandonReservation(serverKey string) {
	r.serverMu.Lock()
	if r.servers[serverKey] == nil {
		delete(r.servers, serverKey)
	}
	r.serverMu.Unlock()
}

// GetServer looks up the live ServerSession for serverKey, if any. A
// reserved-but-not-yet-finalized slot (ReserveServer) is not yet "live" and
// reports as absent.
func (r *Registry) GetServer(serverKey string) (*ServerSession, bool) {
	r.serverMu.RLock()
	defer r.serverMu.RUnlock()
	s, ok := r.servers[serverKey]
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// CloseServer tears the named ServerSession down and cascades to every
// ClientSession it had attached (spec §4.4 R4). The registry entry is removed
// only if it is still this session -- a stale call racing a replacement
// leaves the replacement registered -- but the session itself is always
// closed and its attached clients always cascade-closed.
func (r *Registry) CloseServer(session *ServerSession) {
	r.serverMu.Lock()
	removed := r.servers[session.ServerKey] == session
	if removed {
		delete(r.servers, session.ServerKey)
	}
	r.serverMu.Unlock()
	if removed {
		metrics.ServerSessions.Dec()
	}

	session.Close()

	for _, clientKey := range session.DetachAll() {
		r.log.Log(LogLevelInfo, "cascading client close after server teardown", "server_key", session.ServerKey, "client_key", clientKey)
		r.CloseClient(clientKey)
	}
}

// GetOrCreateClient returns the existing ClientSession for clientKey,
// touching it, or creates one if this is the first contact (spec §4.5 step
// 3). The bool reports whether a session already existed.
func (r *Registry) GetOrCreateClient(clientKey string, now time.Time) (session *ClientSession, existed bool) {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if s, ok := r.clients[clientKey]; ok {
		s.Touch(now)
		return s, true
	}
	s := NewClientSession(clientKey, now)
	r.clients[clientKey] = s
	metrics.ClientSessions.Inc()
	return s, false
}

// GetClient looks up an existing ClientSession without creating one. Used by
// ServerSession read loops to deliver a reply payload.
func (r *Registry) GetClient(clientKey string) (*ClientSession, bool) {
	r.clientMu.RLock()
	defer r.clientMu.RUnlock()
	s, ok := r.clients[clientKey]
	return s, ok
}

// CloseClient removes and closes the named ClientSession, if present. Safe
// to call from the Janitor or from a server cascade-close; Close is
// idempotent.
func (r *Registry) CloseClient(clientKey string) {
	r.clientMu.Lock()
	s, ok := r.clients[clientKey]
	if ok {
		delete(r.clients, clientKey)
	}
	r.clientMu.Unlock()
	if ok {
		metrics.ClientSessions.Dec()
		s.Close()
	}
}

// Deliver routes a payload to the named ClientSession's reply queue. Per
// spec §4.4 R3, the broker does not verify that the server claiming this
// payload is the one the client actually talked to; a reply for an unknown
// or already-closed client key is silently dropped.
func (r *Registry) Deliver(clientKey string, payload []byte) {
	s, ok := r.GetClient(clientKey)
	if !ok {
		r.log.Log(LogLevelDebug, "dropping reply for unknown or expired client", "client_key", clientKey)
		return
	}
	s.Deliver(payload)
}

// Sweep evicts every ClientSession expired as of now. It is the Janitor's
// only entry point into the Registry (spec §4.7); it takes and releases
// clientMu per iteration rather than holding it across Close calls, so an
// in-flight HTTPHandler awaiting a reply is never blocked behind a sweep.
func (r *Registry) Sweep(now time.Time) int {
	r.clientMu.RLock()
	expired := make([]string, 0)
	for key, s := range r.clients {
		if s.Expired(now) {
			expired = append(expired, key)
		}
	}
	r.clientMu.RUnlock()

	for _, key := range expired {
		r.CloseClient(key)
	}
	if len(expired) > 0 {
		metrics.ClientSessionsExpiredTotal.Add(float64(len(expired)))
	}
	return len(expired)
}

// Stats is a point-in-time snapshot of Registry cardinality, surfaced on
// GET /healthz (spec §6).
type Stats struct {
	ServerCount int
	ClientCount int
}

// Snapshot returns the current server/client counts.
func (r *Registry) Snapshot() Stats {
	r.serverMu.RLock()
	servers := len(r.servers)
	r.serverMu.RUnlock()

	r.clientMu.RLock()
	clients := len(r.clients)
	r.clientMu.RUnlock()

	return Stats{ServerCount: servers, ClientCount: clients}
}
