package signaling

import (
	"errors"
	"fmt"
)

// clientID is the identity the robot's web client announces; the firmware
// only accepts this value for LAN (STA) connections.
const clientID = "STA_localNetwork"

var (
	errInvalidSDPType = errors.New("signaling: invalid session description type")
	errMissingSDP     = errors.New("signaling: missing session description sdp")
)

// offerRequest is the JSON body the robot expects, both in plain form on the
// legacy port and AES-encrypted inside data1 on the encrypted port.
type offerRequest struct {
	ID    string `json:"id"`
	SDP   string `json:"sdp"`
	Type  string `json:"type"`
	Token string `json:"token"`
}

// answer is the robot's reply once decoded.
type answer struct {
	ID   string `json:"id,omitempty"`
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// notifyResponse is the decoded body of POST /con_notify. Data1 carries the
// robot's RSA public key wrapped in ten characters of padding on each side;
// the trailing ten characters also encode the per-session path suffix.
type notifyResponse struct {
	Data1 string `json:"data1"`
	Data2 int    `json:"data2"`
}

// exchangeRequest is the body of POST /con_ing_<suffix>.
type exchangeRequest struct {
	Data1 string `json:"data1"`
	Data2 string `json:"data2"`
}

func (r offerRequest) Validate() error {
	if r.Type != "offer" {
		return fmt.Errorf("%w: %q", errInvalidSDPType, r.Type)
	}
	if r.SDP == "" {
		return errMissingSDP
	}
	return nil
}

func (a answer) Validate() error {
	if a.Type != "answer" {
		return fmt.Errorf("%w: %q", errInvalidSDPType, a.Type)
	}
	if a.SDP == "" {
		return errMissingSDP
	}
	return nil
}

func (n notifyResponse) Validate() error {
	// 10 chars of padding on both sides around a non-empty key.
	if len(n.Data1) <= 20 {
		return fmt.Errorf("con_notify data1 too short (%d chars)", len(n.Data1))
	}
	return nil
}
