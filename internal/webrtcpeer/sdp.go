package webrtcpeer

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// mediaSummary describes one m= section of the robot's answer.
type mediaSummary struct {
	Kind      string
	Direction string
	Codecs    []string
}

var directions = []string{"sendrecv", "sendonly", "recvonly", "inactive"}

// summarizeAnswer parses an answer before it is handed to pion so that an
// unusable SDP is reported as a handshake failure with some context.
func summarizeAnswer(raw string) ([]mediaSummary, error) {
	var sd sdp.SessionDescription
	if err := sd.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("parse answer: %w", err)
	}
	out := make([]mediaSummary, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		s := mediaSummary{Kind: md.MediaName.Media, Direction: "sendrecv"}
		for _, d := range directions {
			if _, ok := md.Attribute(d); ok {
				s.Direction = d
				break
			}
		}
		for _, a := range md.Attributes {
			if a.Key == "rtpmap" {
				s.Codecs = append(s.Codecs, a.Value)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// sendsVideo reports whether the answer offers any video towards us.
func sendsVideo(ms []mediaSummary) bool {
	for _, m := range ms {
		if m.Kind == "video" && (m.Direction == "sendrecv" || m.Direction == "sendonly") {
			return true
		}
	}
	return false
}
