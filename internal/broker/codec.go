package broker

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Codec names the payload compression scheme a ServerSession negotiated on
// upgrade via X-Frame-Codec (spec §4.1A). CodecNone is wire-identical to v1
// framing; the others wrap only the payload segment of a frame, never the
// length prefix or the client key.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecLZ4    Codec = "lz4"
	CodecZstd   Codec = "zstd"
)

// ParseCodec maps an X-Frame-Codec header value to a Codec, falling back to
// CodecNone for anything unrecognized so a v1-only content server never needs
// to know this header exists.
func ParseCodec(s string) Codec {
	switch Codec(s) {
	case CodecSnappy, CodecLZ4, CodecZstd:
		return Codec(s)
	default:
		return CodecNone
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// Compress wraps payload in the negotiated codec. It never touches the
// length prefix or client key that surround it in a frame.
func Compress(c Codec, payload []byte) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return payload, nil
	case CodecSnappy:
		return snappy.Encode(nil, payload), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case CodecZstd:
		return zstdEncoder.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("compress: unknown codec %q: %w", c, ErrMalformedFrame)
	}
}

// Decompress reverses Compress. A failure here is a MalformedFrame: the frame
// is dropped but the ServerSession survives (spec §4.1A).
func Decompress(c Codec, payload []byte) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return payload, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w: %w", err, ErrMalformedFrame)
		}
		return out, nil
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w: %w", err, ErrMalformedFrame)
		}
		return out, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w: %w", err, ErrMalformedFrame)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decompress: unknown codec %q: %w", c, ErrMalformedFrame)
	}
}
