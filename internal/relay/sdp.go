package relay

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/roboverse/go2webrtc-rc/internal/media"
)

// Payload types used when tracks are not known yet.
const (
	defaultVideoPT = 96
	defaultAudioPT = 111
)

// SessionSDP describes the rtp output for players such as ffplay or
// gstreamer. tracks may be nil, in which case H.264 96/90000 and Opus
// 111/48000/2 are assumed; when present their negotiated payload types are
// used since the packets are forwarded unmodified.
func (c Config) SessionSDP(tracks []media.TrackInfo) ([]byte, error) {
	c = c.withDefaults()
	addrType := "IP4"
	if ip := net.ParseIP(c.DestHost); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	now := uint64(time.Now().Unix())
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: c.DestHost,
		},
		SessionName: "go2webrtc-rc",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: c.DestHost},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	video := media.TrackInfo{Kind: media.KindVideo, MimeType: "video/H264", ClockRate: 90000, PayloadType: defaultVideoPT}
	audio := media.TrackInfo{Kind: media.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: defaultAudioPT}
	for _, t := range tracks {
		switch t.Kind {
		case media.KindVideo:
			video = t
		case media.KindAudio:
			audio = t
		}
	}

	for _, m := range []struct {
		name  string
		port  uint16
		track media.TrackInfo
		fmtp  string
	}{
		{"video", c.VideoPort, video, "packetization-mode=1"},
		{"audio", c.AudioPort, audio, ""},
	} {
		codec := m.track.MimeType
		if i := strings.IndexByte(codec, '/'); i >= 0 {
			codec = codec[i+1:]
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  m.name,
				Port:   sdp.RangedPort{Value: int(m.port)},
				Protos: []string{"RTP", "AVP"},
			},
		}
		md = md.WithCodec(m.track.PayloadType, codec, m.track.ClockRate, m.track.Channels, m.fmtp)
		md = md.WithPropertyAttribute(sdp.AttrKeyRecvOnly)
		sd = sd.WithMedia(md)
	}
	return sd.Marshal()
}

// WriteSDP writes SessionSDP to path.
func (c Config) WriteSDP(path string, tracks []media.TrackInfo) error {
	b, err := c.SessionSDP(tracks)
	if err != nil {
		return fmt.Errorf("marshal sdp: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write sdp %s: %w", path, err)
	}
	return nil
}
