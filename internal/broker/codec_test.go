package broker

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseCodec(t *testing.T) {
	cases := map[string]Codec{
		"":       CodecNone,
		"none":   CodecNone,
		"snappy": CodecSnappy,
		"lz4":    CodecLZ4,
		"zstd":   CodecZstd,
		"bogus":  CodecNone,
	}
	for in, want := range cases {
		if got := ParseCodec(in); got != want {
			t.Errorf("ParseCodec(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		t.Run(string(codec), func(t *testing.T) {
			compressed, err := Compress(codec, payload)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if codec != CodecNone && bytes.Equal(compressed, payload) {
				t.Errorf("Compress(%s) produced identical bytes to input", codec)
			}
			decompressed, err := Decompress(codec, compressed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(decompressed, payload) {
				t.Errorf("round trip mismatch for codec %s", codec)
			}
		})
	}
}

func TestDecompressMalformedReturnsMalformedFrame(t *testing.T) {
	for _, codec := range []Codec{CodecSnappy, CodecLZ4, CodecZstd} {
		if _, err := Decompress(codec, []byte("not a valid compressed stream")); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("Decompress(%s, garbage) error = %v, want ErrMalformedFrame", codec, err)
		}
	}
}
