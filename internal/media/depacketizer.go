package media

import (
	"errors"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

// depacketizer rebuilds a frame payload from the RTP packets of one frame.
type depacketizer interface {
	depacketize(pkts []*rtp.Packet) (payload []byte, keyframe bool, err error)
	// isFrameStart reports whether payload can begin a frame.
	isFrameStart(payload []byte) bool
	// perPacket reports whether every packet is a frame of its own.
	perPacket() bool
}

func newDepacketizer(mimeType string) depacketizer {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeH264):
		return h264Depacketizer{}
	case strings.ToLower(webrtc.MimeTypeOpus):
		return opusDepacketizer{}
	default:
		return rawDepacketizer{}
	}
}

type h264Depacketizer struct{}

func (h264Depacketizer) depacketize(pkts []*rtp.Packet) ([]byte, bool, error) {
	// A fresh H264Packet per frame so a dangling FU-A never leaks into the
	// next frame.
	var (
		d   codecs.H264Packet
		out []byte
	)
	for _, p := range pkts {
		b, err := d.Unmarshal(p.Payload)
		if err != nil {
			return nil, false, err
		}
		out = append(out, b...)
	}
	if len(out) == 0 {
		return nil, false, errors.New("h264: no complete NAL units")
	}
	return out, h264HasKeyframe(out), nil
}

func (h264Depacketizer) isFrameStart(payload []byte) bool {
	return (&codecs.H264Packet{}).IsPartitionHead(payload)
}

func (h264Depacketizer) perPacket() bool { return false }

const (
	nalTypeIDR = 5
	nalTypeSPS = 7
)

// h264HasKeyframe scans an Annex-B stream for IDR or SPS NAL units.
func h264HasKeyframe(annexB []byte) bool {
	for i := 0; i+3 < len(annexB); i++ {
		if annexB[i] != 0 || annexB[i+1] != 0 || annexB[i+2] != 1 {
			continue
		}
		switch annexB[i+3] & 0x1f {
		case nalTypeIDR, nalTypeSPS:
			return true
		}
		i += 2
	}
	return false
}

type opusDepacketizer struct{}

func (opusDepacketizer) depacketize(pkts []*rtp.Packet) ([]byte, bool, error) {
	var out []byte
	for _, p := range pkts {
		var d codecs.OpusPacket
		b, err := d.Unmarshal(p.Payload)
		if err != nil {
			return nil, false, err
		}
		out = append(out, b...)
	}
	return out, true, nil
}

func (opusDepacketizer) isFrameStart([]byte) bool { return true }

func (opusDepacketizer) perPacket() bool { return true }

// rawDepacketizer concatenates payloads for codecs without a dedicated
// depacketizer; frames end on the marker bit.
type rawDepacketizer struct{}

func (rawDepacketizer) depacketize(pkts []*rtp.Packet) ([]byte, bool, error) {
	var out []byte
	for _, p := range pkts {
		out = append(out, p.Payload...)
	}
	return out, false, nil
}

func (rawDepacketizer) isFrameStart([]byte) bool { return true }

func (rawDepacketizer) perPacket() bool { return false }
