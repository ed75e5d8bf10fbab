package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "GO2WEBRTC_ICE_SERVERS_JSON"

	envStunURLs       = "GO2WEBRTC_STUN_URLS"
	envTurnURLs       = "GO2WEBRTC_TURN_URLS"
	envTurnUsername   = "GO2WEBRTC_TURN_USERNAME"
	envTurnCredential = "GO2WEBRTC_TURN_CREDENTIAL"
)

// iceFlags holds the raw ICE options. The robot is normally reached on the
// LAN with host candidates only, so every field is optional.
type iceFlags struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func (i *iceFlags) fromEnv(lookup func(string) (string, bool)) {
	i.serversJSON = envOrDefault(lookup, envICEServersJSON, "")
	i.stunURLs = envOrDefault(lookup, envStunURLs, "")
	i.turnURLs = envOrDefault(lookup, envTurnURLs, "")
	i.turnUsername = envOrDefault(lookup, envTurnUsername, "")
	i.turnCredential = envOrDefault(lookup, envTurnCredential, "")
}

// servers resolves the flags. A JSON list wins over the URL shorthands.
func (i iceFlags) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(i.serversJSON); raw != "" {
		out, err := DecodeICEServers(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return out, nil
	}
	return ICEServersFromURLs(i.stunURLs, i.turnURLs, i.turnUsername, i.turnCredential)
}

// urlList accepts both `"urls": "stun:x"` and `"urls": ["stun:x", ...]`.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// DecodeICEServers parses a JSON array shaped like RTCConfiguration.iceServers.
func DecodeICEServers(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username,omitempty"`
		Credential string  `json:"credential,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for n, e := range entries {
		s, err := newICEServer(splitList(strings.Join(e.URLs, ",")), e.Username, e.Credential)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", n, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ICEServersFromURLs builds at most one STUN and one TURN entry from
// comma-separated URL lists.
func ICEServersFromURLs(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer
	if urls := splitList(stunURLs); len(urls) > 0 {
		s, err := newICEServer(urls, "", "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		out = append(out, s)
	}
	if urls := splitList(turnURLs); len(urls) > 0 {
		s, err := newICEServer(urls, turnUsername, turnCredential)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// newICEServer checks every URL with the STUN URI parser and requires
// credentials as soon as one of them is a relay.
func newICEServer(urls []string, username, credential string) (webrtc.ICEServer, error) {
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}
	relay := false
	for _, raw := range urls {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("url %q: %w", raw, err)
		}
		switch u.Scheme {
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			relay = true
		}
	}

	s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if credential = strings.TrimSpace(credential); credential != "" {
		s.Credential = credential
	}
	if relay && (s.Username == "" || s.Credential == nil) {
		return webrtc.ICEServer{}, errors.New("turn urls require username and credential")
	}
	return s, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
