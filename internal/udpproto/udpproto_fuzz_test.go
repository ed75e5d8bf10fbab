package udpproto

import (
	"bytes"
	"errors"
	"testing"
)

func FuzzDecodeChunk(f *testing.F) {
	f.Add([]byte{})
	f.Add(make([]byte, HeaderLen))
	f.Add([]byte{1, 3, 0, 0, 0, 9, 0, 0, 0x0b, 0xb8, 0, 0, 0, 1, 0x61})

	classify := func(err error) string {
		switch {
		case err == nil:
			return "ok"
		case errors.Is(err, ErrTooShort):
			return "too_short"
		case errors.Is(err, ErrBadVersion):
			return "bad_version"
		case errors.Is(err, ErrBadChunk):
			return "bad_chunk"
		case errors.Is(err, ErrPayloadTooLarge):
			return "payload_too_large"
		default:
			return "other"
		}
	}

	f.Fuzz(func(t *testing.T, b []byte) {
		ch, err := DefaultCodec.DecodeChunk(b)
		if c := classify(err); c == "other" {
			t.Fatalf("unexpected error type: %v", err)
		} else if c != "ok" {
			return
		}

		re, err := DefaultCodec.EncodeChunk(ch, nil)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if !bytes.Equal(re, b) {
			t.Fatalf("re-encode mismatch: %x vs %x", re, b)
		}
	})
}
