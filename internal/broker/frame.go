package broker

import (
	"fmt"
)

// Sentinel is the four-byte end-of-response marker a content server appends
// to the last chunk of one reply. It is data as far as FrameCodec is
// concerned; only the HTTPHandler's reply accumulation loop looks for it.
var Sentinel = [4]byte{0, 0, 0, 0}

// MaxTextKeyLen is the largest client key the 3-digit decimal length prefix
// can express.
const MaxTextKeyLen = 999

// MaxBinaryKeyLen is the largest client key the single length byte can
// express. Per spec §9 ("enforce the smaller bound uniformly"), this is the
// bound FrameCodec enforces on both framings.
const MaxBinaryKeyLen = 255

// EncodeRequestText produces "LLL" ++ clientKey ++ payload, where LLL is the
// zero-padded 3-digit decimal length of clientKey. It does not append the
// sentinel: that is the content server's job when it finishes a reply.
func EncodeRequestText(clientKey string, payload []byte) (string, error) {
	if len(clientKey) > MaxBinaryKeyLen {
		return "", fmt.Errorf("encode text frame for key %q: %w", clientKey, ErrInvalidKey)
	}
	return fmt.Sprintf("%03d%s%s", len(clientKey), clientKey, payload), nil
}

// EncodeRequestBinary produces a single length byte followed by clientKey and
// payload.
func EncodeRequestBinary(clientKey string, payload []byte) ([]byte, error) {
	if len(clientKey) > MaxBinaryKeyLen {
		return nil, fmt.Errorf("encode binary frame for key %q: %w", clientKey, ErrInvalidKey)
	}
	out := make([]byte, 0, 1+len(clientKey)+len(payload))
	out = append(out, byte(len(clientKey)))
	out = append(out, clientKey...)
	out = append(out, payload...)
	return out, nil
}

// DecodeText parses "LLL" ++ clientKey ++ payload. The returned payload is a
// fresh copy of the bytes after the key, so callers may retain it across
// frames.
func DecodeText(s string) (clientKey string, payload []byte, err error) {
	if len(s) < 3 {
		return "", nil, fmt.Errorf("decode text frame: %w", ErrMalformedFrame)
	}
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", nil, fmt.Errorf("decode text frame: non-digit length prefix: %w", ErrMalformedFrame)
		}
	}
	keyLen := int(s[0]-'0')*100 + int(s[1]-'0')*10 + int(s[2]-'0')
	if len(s) < 3+keyLen {
		return "", nil, fmt.Errorf("decode text frame: truncated key: %w", ErrMalformedFrame)
	}
	clientKey = s[3 : 3+keyLen]
	payload = []byte(s[3+keyLen:])
	return clientKey, payload, nil
}

// DecodeBinary parses a single length byte followed by clientKey and payload.
func DecodeBinary(b []byte) (clientKey string, payload []byte, err error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("decode binary frame: %w", ErrMalformedFrame)
	}
	keyLen := int(b[0])
	if len(b) < 1+keyLen {
		return "", nil, fmt.Errorf("decode binary frame: truncated key: %w", ErrMalformedFrame)
	}
	clientKey = string(b[1 : 1+keyLen])
	payload = append([]byte(nil), b[1+keyLen:]...)
	return clientKey, payload, nil
}

// HasSentinel reports whether b ends with the four-byte sentinel.
func HasSentinel(b []byte) bool {
	if len(b) < len(Sentinel) {
		return false
	}
	tail := b[len(b)-len(Sentinel):]
	for i := range Sentinel {
		if tail[i] != Sentinel[i] {
			return false
		}
	}
	return true
}

// StripSentinel removes a trailing sentinel if present; otherwise it returns
// b unchanged.
func StripSentinel(b []byte) []byte {
	if HasSentinel(b) {
		return b[:len(b)-len(Sentinel)]
	}
	return b
}
