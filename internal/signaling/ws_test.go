package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/go2sim"
)

type recordingAnswerer struct {
	go2sim.AnswerFunc

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
}

func (r *recordingAnswerer) AddICECandidate(c webrtc.ICECandidateInit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, c)
	return nil
}

func (r *recordingAnswerer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates)
}

func wsAddress(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestWS_OfferAnswerAndTrickle(t *testing.T) {
	rec := &recordingAnswerer{AnswerFunc: echoAnswerer()}
	sig := newSignaler(t, go2sim.SignalerConfig{Token: testToken, Answerer: rec})
	srv := httptest.NewServer(sig.WebSocketHandler())
	defer srv.Close()

	ch := dial(t, Options{Method: MethodWebSocket, Address: wsAddress(srv), Token: testToken})
	if !ch.Trickle() {
		t.Fatalf("ws channel must trickle")
	}
	ans, err := ch.Offer(context.Background(), testOffer)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if ans.SDP != "answer-for:"+testOffer.SDP {
		t.Fatalf("unexpected answer %#v", ans)
	}

	mid := "0"
	idx := uint16(0)
	if err := ch.SendCandidate(context.Background(), webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}); err != nil {
		t.Fatalf("SendCandidate: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("robot never received the candidate")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_WrongToken(t *testing.T) {
	sig := newSignaler(t, go2sim.SignalerConfig{Token: testToken})
	srv := httptest.NewServer(sig.WebSocketHandler())
	defer srv.Close()

	ch := dial(t, Options{Method: MethodWebSocket, Address: wsAddress(srv), Token: "nope"})
	_, err := ch.Offer(context.Background(), testOffer)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err=%v, want ErrAuthentication", err)
	}
}

func TestWS_UpgradeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	d, err := NewDialer(Options{Method: MethodWebSocket, Address: wsAddress(srv), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err=%v, want ErrAuthentication", err)
	}
}

func TestWS_RemoteCandidatesAndClose(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var auth map[string]any
		_ = conn.ReadJSON(&auth)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.2 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"close"}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ch := dial(t, Options{Method: MethodWebSocket, Address: wsAddress(srv)})
	var got []webrtc.ICECandidateInit
	for c := range ch.Candidates() {
		got = append(got, c)
	}
	if len(got) != 1 || !strings.Contains(got[0].Candidate, "10.0.0.2") {
		t.Fatalf("unexpected candidates %#v", got)
	}
	if _, err := ch.Offer(context.Background(), testOffer); !errors.Is(err, ErrSignalingProtocol) {
		t.Fatalf("Offer after close: err=%v, want ErrSignalingProtocol", err)
	}
}

func TestWS_MalformedMessage(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg map[string]any
		_ = conn.ReadJSON(&msg) // auth
		_ = conn.ReadJSON(&msg) // offer
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","sdp":{"type":"answer","sdp":"v=0"},"extra":1}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ch := dial(t, Options{Method: MethodWebSocket, Address: wsAddress(srv)})
	if _, err := ch.Offer(context.Background(), testOffer); !errors.Is(err, ErrSignalingProtocol) {
		t.Fatalf("err=%v, want ErrSignalingProtocol", err)
	}
}

func TestParseSignalMessage(t *testing.T) {
	valid := []string{
		`{"type":"auth","token":"t"}`,
		`{"type":"offer","sdp":{"type":"offer","sdp":"v=0"}}`,
		`{"type":"answer","sdp":{"type":"answer","sdp":"v=0"}}`,
		`{"type":"candidate","candidate":{"candidate":"c","sdpMid":"0","sdpMLineIndex":0}}`,
		`{"type":"close"}`,
		`{"type":"error","code":"unauthorized","message":"bad token"}`,
	}
	for _, raw := range valid {
		if _, err := parseSignalMessage([]byte(raw)); err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
	}
	invalid := []string{
		`{"type":"auth"}`,
		`{"type":"answer","sdp":{"type":"offer","sdp":"v=0"}}`,
		`{"type":"answer"}`,
		`{"type":"candidate"}`,
		`{"type":"close","token":"x"}`,
		`{"type":"error","code":"x"}`,
		`{"type":"bogus"}`,
		`{"type":"close"}{"type":"close"}`,
		`{"type":"close","unexpected":true}`,
		`[]`,
	}
	for _, raw := range invalid {
		if _, err := parseSignalMessage([]byte(raw)); err == nil {
			t.Fatalf("parse %s: expected error", raw)
		}
	}
}

func TestRemoteErrorMapping(t *testing.T) {
	if err := remoteError(signalMessage{Type: messageTypeError, Code: "unauthorized", Message: "x"}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("unauthorized -> %v", err)
	}
	if err := remoteError(signalMessage{Type: messageTypeError, Code: "internal_error", Message: "x"}); !errors.Is(err, ErrSignalingProtocol) {
		t.Fatalf("internal_error -> %v", err)
	}
}
