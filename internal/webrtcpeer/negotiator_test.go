package webrtcpeer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/config"
	"github.com/roboverse/go2webrtc-rc/internal/go2sim"
	"github.com/roboverse/go2webrtc-rc/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memChannel hands offers straight to an in-process answerer.
type memChannel struct {
	answerer go2sim.Answerer
	trickle  bool
	err      error

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	offers     []webrtc.SessionDescription
}

func (c *memChannel) Offer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offers = append(c.offers, offer)
	c.mu.Unlock()
	if c.err != nil {
		return webrtc.SessionDescription{}, c.err
	}
	return c.answerer.Answer(ctx, offer)
}

func (c *memChannel) Trickle() bool { return c.trickle }

func (c *memChannel) SendCandidate(_ context.Context, init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, init)
	c.mu.Unlock()
	if sink, ok := c.answerer.(go2sim.CandidateSink); ok {
		return sink.AddICECandidate(init)
	}
	return nil
}

func (c *memChannel) Candidates() <-chan webrtc.ICECandidateInit { return nil }

func (c *memChannel) Close() error { return nil }

var _ signaling.Channel = (*memChannel)(nil)

func testConfig() config.Config {
	cfg := config.New(config.DefaultVideoPort, config.DefaultAudioPort, "127.0.0.1", "", false)
	cfg.WebRTCUDPListenIP = nil
	cfg.LivenessTimeout = 0
	return cfg
}

func newLoopbackAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI(testConfig(), APIOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

// newVNetAPIs puts the client and the robot on a virtual LAN.
func newVNetAPIs(t *testing.T) (client, robot *webrtc.API) {
	t.Helper()
	wan, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "192.168.12.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	clientNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"192.168.12.10"}})
	if err != nil {
		t.Fatalf("NewNet(client): %v", err)
	}
	robotNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"192.168.12.1"}})
	if err != nil {
		t.Fatalf("NewNet(robot): %v", err)
	}
	if err := wan.AddNet(clientNet); err != nil {
		t.Fatalf("AddNet(client): %v", err)
	}
	if err := wan.AddNet(robotNet); err != nil {
		t.Fatalf("AddNet(robot): %v", err)
	}
	if err := wan.Start(); err != nil {
		t.Fatalf("router start: %v", err)
	}
	t.Cleanup(func() { _ = wan.Stop() })

	client, err = NewAPI(testConfig(), APIOptions{Logger: quietLogger(), Net: clientNet})
	if err != nil {
		t.Fatalf("NewAPI(client): %v", err)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	se := webrtc.SettingEngine{}
	se.SetNet(robotNet)
	robot = webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return client, robot
}

func establish(t *testing.T, api *webrtc.API, opts Options, ch signaling.Channel) (*Transport, error) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	tr, err := NewNegotiator(api, opts).Establish(ctx, ch)
	if tr != nil {
		t.Cleanup(func() { _ = tr.Close() })
	}
	return tr, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func nextTrack(t *testing.T, tr *Transport) *webrtc.TrackRemote {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	track, err := tr.NextTrack(ctx)
	if err != nil {
		t.Fatalf("NextTrack: %v", err)
	}
	return track
}

func TestEstablish_VNetWithValidation(t *testing.T) {
	clientAPI, robotAPI := newVNetAPIs(t)
	robot := go2sim.NewPeer(go2sim.PeerConfig{API: robotAPI, Validation: true, Logger: quietLogger()})
	defer robot.Close()

	var answers int
	tr, err := establish(t, clientAPI, Options{
		ControlChannel:    true,
		Audio:             true,
		HeartbeatInterval: 50 * time.Millisecond,
		OnAnswer:          func(webrtc.SessionDescription) { answers++ },
	}, &memChannel{answerer: robot})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if answers != 1 {
		t.Fatalf("OnAnswer called %d times, want 1", answers)
	}
	if tr.State() != webrtc.PeerConnectionStateConnected {
		t.Fatalf("state=%s, want connected", tr.State())
	}
	if robot.Validations() != 1 {
		t.Fatalf("validations=%d, want 1", robot.Validations())
	}
	waitFor(t, "video and audio requests", func() bool {
		return robot.VideoRequested() && robot.AudioRequested()
	})
	waitFor(t, "heartbeats", func() bool { return robot.Heartbeats() > 0 })

	kinds := map[webrtc.RTPCodecType]bool{}
	for i := 0; i < 2; i++ {
		kinds[nextTrack(t, tr).Kind()] = true
	}
	if !kinds[webrtc.RTPCodecTypeVideo] || !kinds[webrtc.RTPCodecTypeAudio] {
		t.Fatalf("tracks=%v, want video and audio", kinds)
	}

	_ = tr.Close()
	select {
	case <-tr.Lost():
	case <-time.After(time.Second):
		t.Fatalf("Lost not closed after Close")
	}
	if _, err := tr.NextTrack(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("NextTrack after close: %v", err)
	}
}

func TestEstablish_LoopbackWithoutControl(t *testing.T) {
	api := newLoopbackAPI(t)
	robot := go2sim.NewPeer(go2sim.PeerConfig{Logger: quietLogger()})
	defer robot.Close()

	ch := &memChannel{answerer: robot}
	tr, err := establish(t, api, Options{}, ch)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if tr.Control() != nil {
		t.Fatalf("control channel must be nil when disabled")
	}
	if track := nextTrack(t, tr); track == nil {
		t.Fatalf("nil track")
	}
	// Non-trickle offers carry every gathered candidate.
	if len(ch.offers) != 1 || !strings.Contains(ch.offers[0].SDP, "a=candidate:") {
		t.Fatalf("offer does not carry candidates")
	}
	for _, want := range []string{"m=video", "m=audio", "m=application", "a=recvonly", "a=sendrecv"} {
		if !strings.Contains(ch.offers[0].SDP, want) {
			t.Fatalf("offer missing %q", want)
		}
	}
}

func TestEstablish_Trickle(t *testing.T) {
	api := newLoopbackAPI(t)
	robot := go2sim.NewPeer(go2sim.PeerConfig{Logger: quietLogger()})
	defer robot.Close()

	ch := &memChannel{answerer: robot, trickle: true}
	if _, err := establish(t, api, Options{}, ch); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if strings.Contains(ch.offers[0].SDP, "a=candidate:") {
		t.Fatalf("trickle offer must not wait for candidates")
	}
	if len(ch.candidates) == 0 {
		t.Fatalf("no local candidates were trickled")
	}
}

func TestEstablish_SignalingErrorPassesThrough(t *testing.T) {
	api := newLoopbackAPI(t)
	ch := &memChannel{err: signaling.ErrAuthentication}
	if _, err := establish(t, api, Options{}, ch); !errors.Is(err, signaling.ErrAuthentication) {
		t.Fatalf("err=%v, want ErrAuthentication", err)
	}
}

func TestEstablish_GarbageAnswer(t *testing.T) {
	api := newLoopbackAPI(t)
	ch := &memChannel{answerer: go2sim.AnswerFunc(func(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "this is not sdp"}, nil
	})}
	if _, err := establish(t, api, Options{}, ch); !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("err=%v, want ErrHandshakeFailure", err)
	}
}

func TestEstablish_NegotiationTimeout(t *testing.T) {
	api := newLoopbackAPI(t)
	// Answer from a robot that goes away immediately: the SDP is valid but
	// no candidate pair can ever succeed.
	ch := &memChannel{answerer: go2sim.AnswerFunc(func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		robot := go2sim.NewPeer(go2sim.PeerConfig{Logger: quietLogger()})
		ans, err := robot.Answer(ctx, offer)
		robot.Close()
		return ans, err
	})}
	_, err := establish(t, api, Options{NegotiationTimeout: 500 * time.Millisecond}, ch)
	if !errors.Is(err, ErrNegotiationTimeout) && !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("err=%v, want ErrNegotiationTimeout", err)
	}
}

func TestEstablish_ValidationNeverCompletes(t *testing.T) {
	api := newLoopbackAPI(t)
	robot := go2sim.NewPeer(go2sim.PeerConfig{Logger: quietLogger()})
	defer robot.Close()

	_, err := establish(t, api, Options{ControlChannel: true, NegotiationTimeout: 3 * time.Second}, &memChannel{answerer: robot})
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("err=%v, want ErrHandshakeFailure", err)
	}
}

func TestEstablish_CancelledContext(t *testing.T) {
	api := newLoopbackAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := &memChannel{answerer: go2sim.NewPeer(go2sim.PeerConfig{Logger: quietLogger()})}
	if _, err := NewNegotiator(api, Options{Logger: quietLogger()}).Establish(ctx, ch); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestSummarizeAnswer(t *testing.T) {
	raw := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 0.0.0.0",
		"s=-",
		"t=0 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=sendonly",
		"a=rtpmap:96 H264/90000",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:111 opus/48000/2",
		"",
	}, "\r\n")
	ms, err := summarizeAnswer(raw)
	if err != nil {
		t.Fatalf("summarizeAnswer: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("got %d sections, want 2", len(ms))
	}
	if ms[0].Kind != "video" || ms[0].Direction != "sendonly" || ms[0].Codecs[0] != "96 H264/90000" {
		t.Fatalf("video section %#v", ms[0])
	}
	if ms[1].Direction != "sendrecv" {
		t.Fatalf("audio direction %q, want sendrecv default", ms[1].Direction)
	}
	if !sendsVideo(ms) {
		t.Fatalf("sendsVideo=false")
	}
	if sendsVideo(ms[1:]) {
		t.Fatalf("audio-only answer must not count as video")
	}
}

func TestSlogLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := newLoggerFactory(log).NewLogger("ice")
	l.Infof("selected pair %d", 7)
	l.Tracef("too chatty %d", 1)
	l.Warn("plain warning")

	out := buf.String()
	if !strings.Contains(out, "selected pair 7") || !strings.Contains(out, "pion=ice") {
		t.Fatalf("missing info line: %q", out)
	}
	if strings.Contains(out, "too chatty") {
		t.Fatalf("trace leaked at debug level: %q", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("missing warn line: %q", out)
	}
}

func TestApplyNetworkSettings_PortRange(t *testing.T) {
	cfg := testConfig()
	cfg.WebRTCUDPPortRange = &config.UDPPortRange{Min: 50000, Max: 50010}
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}
	cfg.WebRTCUDPPortRange = &config.UDPPortRange{Min: 50010, Max: 50000}
	if err := ApplyNetworkSettings(&se, cfg); err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}
