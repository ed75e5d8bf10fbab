// Package udpproto defines the datagram layout used on the relay sockets in
// framed output mode.
//
// Every datagram carries one chunk of one media frame:
//
//	0      version (1)
//	1      flags (bit 0 keyframe, bit 1 audio)
//	2..5   frame sequence number, per stream, big endian
//	6..9   RTP timestamp of the frame, big endian
//	10..11 chunk index, big endian
//	12..13 chunk count, big endian
//	14..   chunk payload
//
// A frame is the concatenation of its chunk payloads in index order.
package udpproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Version = 1

	// HeaderLen is the number of bytes in a chunk header.
	HeaderLen = 14

	// DefaultMaxPayload is the default datagram size limit, header included.
	// It stays below common Ethernet/VPN MTUs so datagrams are not fragmented.
	DefaultMaxPayload = 1200

	maxChunks = 1<<16 - 1
)

const (
	flagKeyframe = 1 << 0
	flagAudio    = 1 << 1
)

var (
	ErrTooShort        = errors.New("udpproto: datagram too short")
	ErrPayloadTooLarge = errors.New("udpproto: payload too large")
	ErrBadVersion      = errors.New("udpproto: unsupported version")
	ErrBadChunk        = errors.New("udpproto: invalid chunk index/count")
	ErrFrameTooLarge   = errors.New("udpproto: frame needs too many chunks")
)

// Kind identifies the stream a chunk belongs to.
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FrameHeader is the per-frame part of a chunk header.
type FrameHeader struct {
	Kind      Kind
	Keyframe  bool
	Seq       uint32
	Timestamp uint32
}

// Chunk is one decoded datagram.
type Chunk struct {
	FrameHeader
	Index   uint16
	Count   uint16
	Payload []byte
}

// Codec validates and encodes/decodes chunks.
type Codec struct {
	// MaxDatagram is the maximum datagram size in bytes, header included.
	MaxDatagram int
}

var DefaultCodec = Codec{MaxDatagram: DefaultMaxPayload}

func NewCodec(maxDatagram int) (Codec, error) {
	if maxDatagram <= HeaderLen {
		return Codec{}, fmt.Errorf("udpproto: max datagram must be > %d", HeaderLen)
	}
	return Codec{MaxDatagram: maxDatagram}, nil
}

// MaxChunkPayload is the number of frame bytes that fit in one datagram.
func (c Codec) MaxChunkPayload() int {
	return c.MaxDatagram - HeaderLen
}

// ChunkCount returns how many datagrams a frame of n bytes needs.
func (c Codec) ChunkCount(n int) int {
	per := c.MaxChunkPayload()
	if n <= 0 || per <= 0 {
		return 1
	}
	return (n + per - 1) / per
}

func (c Codec) EncodeChunk(ch Chunk, dst []byte) ([]byte, error) {
	if c.MaxDatagram <= HeaderLen {
		return nil, fmt.Errorf("udpproto: invalid codec max datagram %d", c.MaxDatagram)
	}
	if len(ch.Payload) > c.MaxChunkPayload() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(ch.Payload), c.MaxChunkPayload())
	}
	if ch.Count == 0 || ch.Index >= ch.Count {
		return nil, fmt.Errorf("%w: %d/%d", ErrBadChunk, ch.Index, ch.Count)
	}

	n := HeaderLen + len(ch.Payload)
	start := len(dst)
	if cap(dst) < start+n {
		grown := make([]byte, start, start+n)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+n]

	var flags byte
	if ch.Keyframe {
		flags |= flagKeyframe
	}
	if ch.Kind == KindAudio {
		flags |= flagAudio
	}
	b := dst[start:]
	b[0] = Version
	b[1] = flags
	binary.BigEndian.PutUint32(b[2:6], ch.Seq)
	binary.BigEndian.PutUint32(b[6:10], ch.Timestamp)
	binary.BigEndian.PutUint16(b[10:12], ch.Index)
	binary.BigEndian.PutUint16(b[12:14], ch.Count)
	copy(b[HeaderLen:], ch.Payload)

	return dst, nil
}

// DecodeChunk parses b. The returned payload aliases b.
func (c Codec) DecodeChunk(b []byte) (Chunk, error) {
	if len(b) < HeaderLen {
		return Chunk{}, ErrTooShort
	}
	if b[0] != Version {
		return Chunk{}, fmt.Errorf("%w: %d", ErrBadVersion, b[0])
	}
	if b[1]&^(flagKeyframe|flagAudio) != 0 {
		return Chunk{}, fmt.Errorf("%w: reserved flags %#x", ErrBadChunk, b[1])
	}
	if c.MaxDatagram > 0 && len(b) > c.MaxDatagram {
		return Chunk{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(b), c.MaxDatagram)
	}
	ch := Chunk{
		FrameHeader: FrameHeader{
			Keyframe:  b[1]&flagKeyframe != 0,
			Seq:       binary.BigEndian.Uint32(b[2:6]),
			Timestamp: binary.BigEndian.Uint32(b[6:10]),
		},
		Index:   binary.BigEndian.Uint16(b[10:12]),
		Count:   binary.BigEndian.Uint16(b[12:14]),
		Payload: b[HeaderLen:],
	}
	if b[1]&flagAudio != 0 {
		ch.Kind = KindAudio
	}
	if ch.Count == 0 || ch.Index >= ch.Count {
		return Chunk{}, fmt.Errorf("%w: %d/%d", ErrBadChunk, ch.Index, ch.Count)
	}
	return ch, nil
}

// Split encodes payload as a sequence of chunk datagrams and calls emit for
// each one in index order. The slice passed to emit is reused between calls.
func (c Codec) Split(h FrameHeader, payload []byte, emit func(datagram []byte) error) error {
	count := c.ChunkCount(len(payload))
	if count > maxChunks {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	per := c.MaxChunkPayload()
	buf := make([]byte, 0, c.MaxDatagram)
	for i := 0; i < count; i++ {
		lo := i * per
		hi := min(lo+per, len(payload))
		if lo > hi {
			lo = hi
		}
		dgram, err := c.EncodeChunk(Chunk{
			FrameHeader: h,
			Index:       uint16(i),
			Count:       uint16(count),
			Payload:     payload[lo:hi],
		}, buf[:0])
		if err != nil {
			return err
		}
		if err := emit(dgram); err != nil {
			return err
		}
	}
	return nil
}
