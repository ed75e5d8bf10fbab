package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Envelope types of the JSON trickle dialect spoken over the websocket
// gateway.
type messageType string

const (
	messageTypeAuth      messageType = "auth"
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeCandidate messageType = "candidate"
	messageTypeClose     messageType = "close"
	messageTypeError     messageType = "error"
)

// wireSDP keeps the description type as the raw string the robot sent so
// checkAnswer sees exactly what arrived.
type wireSDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type signalMessage struct {
	Type      messageType              `json:"type"`
	SDP       *wireSDP                 `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Token     string                   `json:"token,omitempty"`
	Code      string                   `json:"code,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

func offerMessage(desc webrtc.SessionDescription) signalMessage {
	return signalMessage{Type: messageTypeOffer, SDP: &wireSDP{Type: desc.Type.String(), SDP: desc.SDP}}
}

func candidateMessage(init webrtc.ICECandidateInit) signalMessage {
	return signalMessage{Type: messageTypeCandidate, Candidate: &init}
}

// field is a bit set over the optional envelope members.
type field uint8

const (
	fieldSDP field = 1 << iota
	fieldCandidate
	fieldToken
	fieldCode
	fieldMessage
)

var fieldNames = []string{"sdp", "candidate", "token", "code", "message"}

func (f field) String() string {
	var names []string
	for i, name := range fieldNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// envelopeRules lists, per type, which members must be present and which
// may be. Anything outside allowed is rejected.
var envelopeRules = map[messageType]struct{ required, allowed field }{
	messageTypeAuth:      {fieldToken, fieldToken},
	messageTypeOffer:     {fieldSDP, fieldSDP},
	messageTypeAnswer:    {fieldSDP, fieldSDP},
	messageTypeCandidate: {fieldCandidate, fieldCandidate},
	messageTypeClose:     {0, 0},
	messageTypeError:     {fieldCode | fieldMessage, fieldCode | fieldMessage},
}

func (m signalMessage) present() field {
	var f field
	if m.SDP != nil {
		f |= fieldSDP
	}
	if m.Candidate != nil {
		f |= fieldCandidate
	}
	if m.Token != "" {
		f |= fieldToken
	}
	if m.Code != "" {
		f |= fieldCode
	}
	if m.Message != "" {
		f |= fieldMessage
	}
	return f
}

func (m signalMessage) validate() error {
	rule, ok := envelopeRules[m.Type]
	if !ok {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	have := m.present()
	if missing := rule.required &^ have; missing != 0 {
		return fmt.Errorf("%s message missing %s", m.Type, missing)
	}
	if extra := have &^ rule.allowed; extra != 0 {
		return fmt.Errorf("%s message has unexpected %s", m.Type, extra)
	}
	if m.SDP != nil && m.SDP.Type != string(m.Type) {
		return fmt.Errorf("%s message carries sdp of type %q", m.Type, m.SDP.Type)
	}
	return nil
}

// parseSignalMessage decodes exactly one strict envelope from data.
func parseSignalMessage(data []byte) (signalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg signalMessage
	if err := dec.Decode(&msg); err != nil {
		return signalMessage{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return signalMessage{}, fmt.Errorf("trailing data after %s message", msg.Type)
	}
	if err := msg.validate(); err != nil {
		return signalMessage{}, err
	}
	return msg, nil
}
