// Package media turns negotiated RTP tracks into ordered sequences of
// complete frames.
package media

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrTrackNegotiation means the robot did not offer a usable video track.
	ErrTrackNegotiation = errors.New("track negotiation failed")
	// ErrFrameReassembly describes a single dropped frame. It is reported and
	// counted but never ends a session.
	ErrFrameReassembly = errors.New("frame reassembly failed")
	// ErrTrackEnded is returned by NextFrame once the underlying track stops.
	ErrTrackEnded = errors.New("track ended")
)

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

func kindFromCodecType(t webrtc.RTPCodecType) (Kind, bool) {
	switch t {
	case webrtc.RTPCodecTypeVideo:
		return KindVideo, true
	case webrtc.RTPCodecTypeAudio:
		return KindAudio, true
	default:
		return 0, false
	}
}

// Frame is one depacketized media unit: an H.264 access unit in Annex-B
// form or a single audio packet payload.
type Frame struct {
	Kind      Kind
	Timestamp uint32
	Keyframe  bool
	Payload   []byte
	// Packets are the RTP packets the frame was built from, in sequence order.
	Packets    []*rtp.Packet
	ReceivedAt time.Time
}

// PacketReader is satisfied by *webrtc.TrackRemote.
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is the subset of *webrtc.TrackRemote the session needs.
type RemoteTrack interface {
	PacketReader
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
}

// TrackInfo identifies a negotiated track.
type TrackInfo struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id"`
	SSRC        uint32 `json:"ssrc"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payloadType"`
}

func trackInfo(kind Kind, t RemoteTrack) TrackInfo {
	c := t.Codec()
	return TrackInfo{
		Kind:        kind,
		ID:          t.ID(),
		SSRC:        uint32(t.SSRC()),
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		PayloadType: uint8(c.PayloadType),
	}
}

// seqDiff returns b-a as a signed distance in RTP sequence space.
func seqDiff(a, b uint16) int {
	return int(int16(b - a))
}

// tsBefore reports whether RTP timestamp a is strictly older than b.
func tsBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
