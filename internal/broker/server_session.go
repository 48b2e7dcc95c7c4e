package broker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/emryslou/filetunnel/internal/metrics"
)

// OutboundQueueSize bounds ServerSession.outbound (spec §5, "Outbound server
// queue: 256 frames").
const OutboundQueueSize = 256

// outboundFrame is one broker-level WS message queued for a ServerSession's
// write loop.
type outboundFrame struct {
	messageType int // websocket.TextMessage or websocket.BinaryMessage
	data        []byte
}

// ServerSession owns one content server's long-lived WebSocket: its send
// queue, the set of client keys it has exchanged traffic for, and the
// negotiated compression codec. Mirrors the teacher's broker struct in
// pkg/kgo/broker.go (a reqs channel drained by a single handler, guarded by a
// dieMu so a backed-up channel can't block teardown).
type ServerSession struct {
	ServerKey string
	Codec     Codec

	conn *websocket.Conn

	// dieMu guards sending to outbound in case the session has been torn
	// down; writers RLock it around the send, stopForever Locks it while
	// closing outbound so nothing races the close.
	dieMu sync.RWMutex
	// outbound is closed by stopForever; it is this session's to close,
	// never the write loop's or the Registry's.
	outbound chan outboundFrame
	// dead is an atomic so a full outbound channel cannot block teardown.
	dead int32

	mu              sync.Mutex
	attachedClients map[string]struct{}

	log Logger
}

// NewServerSession constructs a ServerSession around an already-upgraded
// WebSocket connection. The caller (WSHandler) is responsible for starting
// ReadLoop and WriteLoop as separate goroutines.
func NewServerSession(serverKey string, conn *websocket.Conn, codec Codec, log Logger) *ServerSession {
	if log == nil {
		log = NopLogger{}
	}
	return &ServerSession{
		ServerKey:       serverKey,
		Codec:           codec,
		conn:            conn,
		outbound:        make(chan outboundFrame, OutboundQueueSize),
		attachedClients: make(map[string]struct{}),
		log:             log,
	}
}

// Send enqueues a frame for delivery without blocking: if the outbound queue
// is full it returns ErrBackpressure at once. The HTTPHandler's 1s
// backpressure budget (spec §5) goes through TrySend instead, by way of
// EncodeAndSend.
func (s *ServerSession) Send(messageType int, data []byte) error {
	s.dieMu.RLock()
	defer s.dieMu.RUnlock()
	if atomic.LoadInt32(&s.dead) == 1 {
		return fmt.Errorf("server %q: %w", s.ServerKey, ErrServerUnavailable)
	}
	select {
	case s.outbound <- outboundFrame{messageType: messageType, data: data}:
		return nil
	default:
		return fmt.Errorf("server %q: %w", s.ServerKey, ErrBackpressure)
	}
}

// TrySend is like Send but, when the queue is full, blocks until there is
// room or cancel is closed, returning ErrBackpressure in the latter case. It
// has no timeout of its own; callers that need the spec's 1-second
// backpressure budget close cancel from their own timer (see
// internal/httpapi.Handler.handleClientData).
func (s *ServerSession) TrySend(messageType int, data []byte, cancel <-chan struct{}) error {
	s.dieMu.RLock()
	defer s.dieMu.RUnlock()
	if atomic.LoadInt32(&s.dead) == 1 {
		return fmt.Errorf("server %q: %w", s.ServerKey, ErrServerUnavailable)
	}
	select {
	case s.outbound <- outboundFrame{messageType: messageType, data: data}:
		return nil
	case <-cancel:
		return fmt.Errorf("server %q: %w", s.ServerKey, ErrBackpressure)
	}
}

// EncodeAndSend frames payload for clientKey, applying the session's
// negotiated codec (spec §4.1A), and enqueues it within the cancel window. A
// non-none codec forces binary framing, since compressed bytes are not
// guaranteed to be valid UTF-8 text; an uncompressed session keeps using text
// framing, matching v1 byte-for-byte.
func (s *ServerSession) EncodeAndSend(clientKey string, payload []byte, cancel <-chan struct{}) error {
	metrics.BytesTotal.WithLabelValues("out").Add(float64(len(payload)))

	wirePayload := payload
	if s.Codec != CodecNone {
		compressed, err := Compress(s.Codec, payload)
		if err != nil {
			return fmt.Errorf("server %q: %w", s.ServerKey, err)
		}
		wirePayload = compressed
	}

	if s.Codec == CodecNone {
		text, err := EncodeRequestText(clientKey, wirePayload)
		if err != nil {
			return err
		}
		if err := s.TrySend(websocket.TextMessage, []byte(text), cancel); err != nil {
			return err
		}
		metrics.FramesTotal.WithLabelValues("out", "text").Inc()
		return nil
	}

	bin, err := EncodeRequestBinary(clientKey, wirePayload)
	if err != nil {
		return err
	}
	if err := s.TrySend(websocket.BinaryMessage, bin, cancel); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("out", "binary").Inc()
	return nil
}

// Attach idempotently records that clientKey has exchanged traffic over this
// session, so a teardown knows which ClientSessions to cascade-close.
func (s *ServerSession) Attach(clientKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachedClients[clientKey] = struct{}{}
}

// DetachAll returns every client key attached since the last call and clears
// the set. Called by the Registry during teardown; an evicted session is torn
// down by both the evicting upgrade and its own handler, so a later call
// returns only keys attached in between.
func (s *ServerSession) DetachAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.attachedClients))
	for k := range s.attachedClients {
		keys = append(keys, k)
	}
	s.attachedClients = make(map[string]struct{})
	return keys
}

// stopForever permanently disables the session's outbound queue, draining
// anything left in it so no sender blocks forever. Mirrors
// pkg/kgo/broker.go's stopForever.
func (s *ServerSession) stopForever() {
	if atomic.SwapInt32(&s.dead, 1) == 1 {
		return
	}
	go func() {
		for range s.outbound {
			// drop anything left; nobody is listening on the WS anymore.
		}
	}()
	s.dieMu.Lock()
	defer s.dieMu.Unlock()
	close(s.outbound)
}

// WriteLoop drains outbound and writes each frame to the socket. On any
// write error it closes the connection and returns, which causes ReadLoop's
// blocking Read to fail and return too.
func (s *ServerSession) WriteLoop() {
	for frame := range s.outbound {
		if err := s.conn.WriteMessage(frame.messageType, frame.data); err != nil {
			s.log.Log(LogLevelWarn, "server write failed, closing connection", "server_key", s.ServerKey, "err", err)
			_ = s.conn.Close()
			return
		}
	}
}

// ReadLoop reads the next WS message, decodes its frame, and hands the
// payload to deliver. It returns (ending the session) on Close frames or I/O
// errors; malformed frames are logged and dropped without tearing down the
// session (spec §4.2).
func (s *ServerSession) ReadLoop(deliver func(clientKey string, payload []byte)) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Log(LogLevelInfo, "server read loop exiting", "server_key", s.ServerKey, "err", err)
			return
		}

		var clientKey string
		var payload []byte
		var frameType string
		switch messageType {
		case websocket.TextMessage:
			frameType = "text"
			clientKey, payload, err = DecodeText(string(data))
		case websocket.BinaryMessage:
			frameType = "binary"
			clientKey, payload, err = DecodeBinary(data)
		default:
			continue // control frames are handled by the gorilla/websocket library itself
		}
		if err != nil {
			metrics.MalformedFramesTotal.Inc()
			s.log.Log(LogLevelWarn, "dropping malformed frame", "server_key", s.ServerKey, "err", err)
			continue
		}

		if s.Codec != CodecNone {
			decompressed, derr := Decompress(s.Codec, payload)
			if derr != nil {
				metrics.MalformedFramesTotal.Inc()
				s.log.Log(LogLevelWarn, "dropping frame that failed to decompress", "server_key", s.ServerKey, "client_key", clientKey, "err", derr)
				continue
			}
			payload = decompressed
		}

		metrics.FramesTotal.WithLabelValues("in", frameType).Inc()
		metrics.BytesTotal.WithLabelValues("in").Add(float64(len(payload)))

		s.Attach(clientKey)
		deliver(clientKey, payload)
	}
}

// Close tears down the session's socket and outbound queue. Safe to call
// from teardown paths triggered by either loop exiting.
func (s *ServerSession) Close() {
	s.stopForever()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
