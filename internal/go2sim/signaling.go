// Package go2sim simulates the robot side of a Go2 WebRTC session: the
// signaling endpoints and a media peer streaming synthetic H.264 and Opus.
// Tests and the e2e fake robot use it.
package go2sim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/go2crypto"
)

// Answerer produces the robot's answer for an offer.
type Answerer interface {
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// AnswerFunc adapts a function to Answerer.
type AnswerFunc func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

func (f AnswerFunc) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return f(ctx, offer)
}

// CandidateSink receives remote candidates trickled over the WebSocket
// endpoint. Answerers that do not implement it get none.
type CandidateSink interface {
	AddICECandidate(webrtc.ICECandidateInit) error
}

type SignalerConfig struct {
	// Token is the token the robot accepts. An offer with any other token is
	// answered with "reject".
	Token    string
	Answerer Answerer
	// PathSuffix is the 5-digit con_ing suffix. Defaults to "12345".
	PathSuffix string
	// Data2 is reported by con_notify; 2 selects the key exchange the client
	// does not support.
	Data2  int
	Logger *slog.Logger
}

// Signaler serves the three signaling dialects.
type Signaler struct {
	cfg  SignalerConfig
	key  *rsa.PrivateKey
	log  *slog.Logger
	up   websocket.Upgrader
	hits atomic.Int64
}

func NewSignaler(cfg SignalerConfig) (*Signaler, error) {
	if cfg.Answerer == nil {
		return nil, fmt.Errorf("go2sim: answerer is required")
	}
	if cfg.PathSuffix == "" {
		cfg.PathSuffix = "12345"
	}
	if _, err := go2crypto.EncodePathSuffix(cfg.PathSuffix); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	return &Signaler{cfg: cfg, key: key, log: cfg.Logger}, nil
}

// Offers reports how many offers reached the answerer or were rejected.
func (s *Signaler) Offers() int64 { return s.hits.Load() }

// EncryptedHandler serves /con_notify and /con_ing_<suffix>.
func (s *Signaler) EncryptedHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /con_notify", s.handleNotify)
	mux.HandleFunc("POST /con_ing_"+s.cfg.PathSuffix, s.handleExchange)
	return mux
}

// LegacyHandler serves POST /offer.
func (s *Signaler) LegacyHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /offer", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		ans, status := s.answer(r.Context(), body)
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(ans)
	})
	return mux
}

func (s *Signaler) handleNotify(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		http.Error(w, "key", http.StatusInternalServerError)
		return
	}
	tail, _ := go2crypto.EncodePathSuffix(s.cfg.PathSuffix)
	doc, _ := json.Marshal(map[string]any{
		"data1": "0123456789" + base64.StdEncoding.EncodeToString(der) + tail,
		"data2": s.cfg.Data2,
	})
	_, _ = io.WriteString(w, base64.StdEncoding.EncodeToString(doc))
}

func (s *Signaler) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data1 string `json:"data1"`
		Data2 string `json:"data2"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	aesKey, err := go2crypto.RSADecrypt(req.Data2, s.key)
	if err != nil {
		http.Error(w, "bad key", http.StatusBadRequest)
		return
	}
	plain, err := go2crypto.AESDecrypt(req.Data1, string(aesKey))
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	ans, status := s.answer(r.Context(), plain)
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	enc, err := go2crypto.AESEncrypt(ans, string(aesKey))
	if err != nil {
		http.Error(w, "encrypt", http.StatusInternalServerError)
		return
	}
	_, _ = io.WriteString(w, enc)
}

type offerDoc struct {
	ID    string `json:"id"`
	SDP   string `json:"sdp"`
	Type  string `json:"type"`
	Token string `json:"token"`
}

// answer decodes an offer document and returns the JSON answer document.
func (s *Signaler) answer(ctx context.Context, body []byte) ([]byte, int) {
	var offer offerDoc
	if err := json.Unmarshal(body, &offer); err != nil || offer.Type != "offer" || offer.SDP == "" {
		return nil, http.StatusBadRequest
	}
	s.hits.Add(1)
	if offer.Token != s.cfg.Token {
		s.log.Info("rejecting offer with wrong token")
		b, _ := json.Marshal(map[string]string{"id": offer.ID, "sdp": "reject", "type": "answer"})
		return b, http.StatusOK
	}
	ans, err := s.cfg.Answerer.Answer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		s.log.Warn("answer failed", "err", err)
		return nil, http.StatusInternalServerError
	}
	b, _ := json.Marshal(map[string]string{"id": offer.ID, "sdp": ans.SDP, "type": "answer"})
	return b, http.StatusOK
}

type wsMessage struct {
	Type      string                   `json:"type"`
	SDP       *sdpDoc                  `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Token     string                   `json:"token,omitempty"`
	Code      string                   `json:"code,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

type sdpDoc struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// WebSocketHandler serves the trickle protocol on a single path.
func (s *Signaler) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(msg wsMessage) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteJSON(msg)
		}

		authed := false
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "auth":
				if msg.Token != s.cfg.Token {
					_ = send(wsMessage{Type: "error", Code: "unauthorized", Message: "invalid token"})
					return
				}
				authed = true
			case "offer":
				if !authed || msg.SDP == nil {
					_ = send(wsMessage{Type: "error", Code: "bad_message", Message: "offer before auth"})
					return
				}
				s.hits.Add(1)
				ans, err := s.cfg.Answerer.Answer(r.Context(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP})
				if err != nil {
					_ = send(wsMessage{Type: "error", Code: "internal_error", Message: err.Error()})
					return
				}
				if err := send(wsMessage{Type: "answer", SDP: &sdpDoc{Type: "answer", SDP: ans.SDP}}); err != nil {
					return
				}
			case "candidate":
				sink, ok := s.cfg.Answerer.(CandidateSink)
				if ok && msg.Candidate != nil && strings.TrimSpace(msg.Candidate.Candidate) != "" {
					if err := sink.AddICECandidate(*msg.Candidate); err != nil {
						s.log.Debug("add remote candidate", "err", err)
					}
				}
			case "close":
				return
			}
		}
	})
}
