package broker

import "errors"

// Sentinel errors for the broker's taxonomy (spec §7/§7A). Callers wrap these
// with fmt.Errorf("...: %w", err) for context; HTTP-facing code
// (internal/httpapi) translates them to status codes and envelopes with
// switch statements over errors.Is.
var (
	ErrServerUnavailable = errors.New("server session unavailable")
	ErrServerOffline     = errors.New("server key offline")
	ErrBackpressure      = errors.New("outbound queue backpressure")
	ErrTimeout           = errors.New("reply deadline exceeded")
	ErrGone              = errors.New("server session gone while awaiting reply")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrInvalidKey        = errors.New("client key too long for framing")
	ErrServerKeyConflict = errors.New("server key already has a live session")
)
