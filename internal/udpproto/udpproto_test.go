package udpproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, err := NewCodec(64)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	in := Chunk{
		FrameHeader: FrameHeader{Kind: KindAudio, Keyframe: true, Seq: 0xdeadbeef, Timestamp: 960},
		Index:       2,
		Count:       3,
		Payload:     []byte("hello"),
	}
	encoded, err := c.EncodeChunk(in, make([]byte, 0, 128))
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	if len(encoded) != HeaderLen+5 {
		t.Fatalf("len=%d, want %d", len(encoded), HeaderLen+5)
	}

	out, err := c.DecodeChunk(encoded)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if out.FrameHeader != in.FrameHeader {
		t.Fatalf("header: got %+v want %+v", out.FrameHeader, in.FrameHeader)
	}
	if out.Index != in.Index || out.Count != in.Count {
		t.Fatalf("chunk: got %d/%d want %d/%d", out.Index, out.Count, in.Index, in.Count)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("Payload: got %x want %x", out.Payload, in.Payload)
	}
}

func TestWireLayout(t *testing.T) {
	got, err := DefaultCodec.EncodeChunk(Chunk{
		FrameHeader: FrameHeader{Kind: KindVideo, Keyframe: true, Seq: 1, Timestamp: 0x01020304},
		Index:       0,
		Count:       1,
		Payload:     []byte{0xaa},
	}, nil)
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	want := []byte{
		1, 0x01, // version, flags
		0, 0, 0, 1, // seq
		1, 2, 3, 4, // timestamp
		0, 0, // index
		0, 1, // count
		0xaa,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestDecodeErrors(t *testing.T) {
	for n := 0; n < HeaderLen; n++ {
		if _, err := DefaultCodec.DecodeChunk(make([]byte, n)); !errors.Is(err, ErrTooShort) {
			t.Fatalf("len=%d: got err=%v, want ErrTooShort", n, err)
		}
	}

	bad := make([]byte, HeaderLen)
	bad[0] = 9
	if _, err := DefaultCodec.DecodeChunk(bad); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("got err=%v, want ErrBadVersion", err)
	}

	zeroCount := make([]byte, HeaderLen)
	zeroCount[0] = Version
	if _, err := DefaultCodec.DecodeChunk(zeroCount); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("got err=%v, want ErrBadChunk", err)
	}

	c, _ := NewCodec(HeaderLen + 2)
	if _, err := c.EncodeChunk(Chunk{Count: 1, Payload: []byte{1, 2, 3}}, nil); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got err=%v, want ErrPayloadTooLarge", err)
	}
}

func TestNewCodecRejectsTinyDatagrams(t *testing.T) {
	if _, err := NewCodec(HeaderLen); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSplitAndReassemble(t *testing.T) {
	c, err := NewCodec(HeaderLen + 10)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4) // 64 bytes -> 7 chunks

	var datagrams [][]byte
	h := FrameHeader{Kind: KindVideo, Seq: 7, Timestamp: 3000, Keyframe: true}
	if err := c.Split(h, payload, func(d []byte) error {
		if len(d) > c.MaxDatagram {
			t.Fatalf("datagram too large: %d", len(d))
		}
		datagrams = append(datagrams, append([]byte{}, d...))
		return nil
	}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(datagrams) != 7 {
		t.Fatalf("chunks=%d, want 7", len(datagrams))
	}

	r := NewReassembler(c, 0)
	// Deliver out of order; the frame completes on the last missing chunk.
	order := []int{3, 0, 6, 1, 5, 2}
	for _, i := range order {
		if _, ok, err := r.Push(datagrams[i]); err != nil || ok {
			t.Fatalf("chunk %d: ok=%v err=%v", i, ok, err)
		}
	}
	f, ok, err := r.Push(datagrams[4])
	if err != nil || !ok {
		t.Fatalf("final chunk: ok=%v err=%v", ok, err)
	}
	if f.FrameHeader != h {
		t.Fatalf("header=%+v want %+v", f.FrameHeader, h)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestSplitEmptyFrame(t *testing.T) {
	var n int
	if err := DefaultCodec.Split(FrameHeader{Seq: 1}, nil, func(d []byte) error {
		n++
		if len(d) != HeaderLen {
			t.Fatalf("len=%d", len(d))
		}
		return nil
	}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if n != 1 {
		t.Fatalf("chunks=%d, want 1", n)
	}
}

func TestReassemblerDropsStaleAndIncompleteFrames(t *testing.T) {
	c, _ := NewCodec(HeaderLen + 4)
	encode := func(seq uint32, idx, count uint16) []byte {
		d, err := c.EncodeChunk(Chunk{FrameHeader: FrameHeader{Seq: seq}, Index: idx, Count: count, Payload: []byte{byte(seq)}}, nil)
		if err != nil {
			t.Fatalf("EncodeChunk: %v", err)
		}
		return d
	}

	r := NewReassembler(c, 2)
	// Frame 1 never completes.
	if _, ok, _ := r.Push(encode(1, 0, 2)); ok {
		t.Fatalf("unexpected completion")
	}
	// Frame 2 completes and supersedes frame 1.
	if _, ok, _ := r.Push(encode(2, 0, 1)); !ok {
		t.Fatalf("expected frame 2")
	}
	if r.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1", r.Dropped())
	}
	// Late chunk of frame 1 is ignored.
	if _, ok, _ := r.Push(encode(1, 1, 2)); ok {
		t.Fatalf("stale frame must not complete")
	}
	// Too many pending frames evicts the oldest.
	r.Push(encode(3, 0, 2))
	r.Push(encode(4, 0, 2))
	r.Push(encode(5, 0, 2))
	if r.Dropped() != 2 {
		t.Fatalf("dropped=%d, want 2", r.Dropped())
	}
	if _, ok, _ := r.Push(encode(3, 1, 2)); ok {
		t.Fatalf("evicted frame must not complete")
	}
	if f, ok, _ := r.Push(encode(5, 1, 2)); !ok || f.Seq != 5 {
		t.Fatalf("expected frame 5, ok=%v", ok)
	}
}
