package go2sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/roboverse/go2webrtc-rc/internal/go2crypto"
)

const (
	videoFrameInterval = 33 * time.Millisecond
	audioFrameInterval = 20 * time.Millisecond
	keyframeInterval   = 30
)

type PeerConfig struct {
	// API builds the robot's PeerConnections; nil uses the pion defaults.
	API *webrtc.API
	// Validation runs the data channel challenge before media starts.
	Validation bool
	// NoAudio leaves the audio track out of the answer.
	NoAudio bool
	// ValidationKey is the challenge sent to the client. Defaults to a
	// fixed key.
	ValidationKey string
	Logger        *slog.Logger
}

// Peer plays the robot's media side. Each Answer call replaces the previous
// PeerConnection, the way the robot drops an old client for a new one.
type Peer struct {
	cfg PeerConfig
	log *slog.Logger

	mu      sync.Mutex
	current *robotSession
	closed  bool

	sessions    atomic.Int64
	validations atomic.Int64
	videoOn     atomic.Bool
	audioOn     atomic.Bool
	heartbeats  atomic.Int64
}

func NewPeer(cfg PeerConfig) *Peer {
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	if cfg.ValidationKey == "" {
		cfg.ValidationKey = "go2sim-validation-key"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Peer{cfg: cfg, log: cfg.Logger}
}

// Sessions reports how many PeerConnections were created.
func (p *Peer) Sessions() int64 { return p.sessions.Load() }

// Validations reports how many clients passed the validation challenge.
func (p *Peer) Validations() int64 { return p.validations.Load() }

func (p *Peer) VideoRequested() bool { return p.videoOn.Load() }
func (p *Peer) AudioRequested() bool { return p.audioOn.Load() }
func (p *Peer) Heartbeats() int64    { return p.heartbeats.Load() }

// Drop closes the current PeerConnection, simulating a robot side failure.
func (p *Peer) Drop() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()
	if s != nil {
		s.close()
	}
}

func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Drop()
}

func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("go2sim: peer closed")
	}
	p.mu.Unlock()

	s, err := p.newSession()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	ans, err := s.answer(ctx, offer)
	if err != nil {
		s.close()
		return webrtc.SessionDescription{}, err
	}

	p.mu.Lock()
	old := p.current
	p.current = s
	p.mu.Unlock()
	if old != nil {
		old.close()
	}
	p.sessions.Add(1)
	return ans, nil
}

// AddICECandidate feeds a trickled client candidate to the current session.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	s := p.current
	p.mu.Unlock()
	if s == nil {
		return errors.New("go2sim: no active session")
	}
	return s.pc.AddICECandidate(c)
}

type robotSession struct {
	peer  *Peer
	pc    *webrtc.PeerConnection
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	streaming atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (p *Peer) newSession() (*robotSession, error) {
	pc, err := p.cfg.API.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	s := &robotSession{peer: p, pc: pc, done: make(chan struct{})}

	s.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}, "video", "go2")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(s.video); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if !p.cfg.NoAudio {
		s.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "go2")
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		if _, err := pc.AddTrack(s.audio); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "data" {
			return
		}
		s.handleControl(dc)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if !p.cfg.Validation {
				s.startStreaming()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.close()
		}
	})
	return s, nil
}

func (s *robotSession) answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	ans, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(ans); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *s.pc.LocalDescription(), nil
}

type controlMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func sendControl(dc *webrtc.DataChannel, typ, data string) {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(controlMessage{Type: typ, Data: raw})
	_ = dc.SendText(string(b))
}

func (s *robotSession) handleControl(dc *webrtc.DataChannel) {
	p := s.peer
	want := go2crypto.ValidationResponse(p.cfg.ValidationKey)

	dc.OnOpen(func() {
		if p.cfg.Validation {
			sendControl(dc, "validation", p.cfg.ValidationKey)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m controlMessage
		if !msg.IsString || json.Unmarshal(msg.Data, &m) != nil {
			return
		}
		var data string
		_ = json.Unmarshal(m.Data, &data)

		switch m.Type {
		case "validation":
			if data != want {
				p.log.Warn("go2sim: wrong validation response")
				sendControl(dc, "validation", p.cfg.ValidationKey)
				return
			}
			p.validations.Add(1)
			sendControl(dc, "validation", "Validation Ok.")
		case "vid":
			p.videoOn.Store(data == "on")
			s.startStreaming()
		case "aud":
			p.audioOn.Store(data == "on")
		case "heartbeat":
			p.heartbeats.Add(1)
		}
	})
}

func (s *robotSession) startStreaming() {
	if !s.streaming.CompareAndSwap(false, true) {
		return
	}
	go s.streamVideo()
	if s.audio != nil {
		go s.streamAudio()
	}
}

func (s *robotSession) streamVideo() {
	t := time.NewTicker(videoFrameInterval)
	defer t.Stop()
	for i := 0; ; i++ {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.video.WriteSample(media.Sample{Data: SyntheticH264Frame(i), Duration: videoFrameInterval}); err != nil {
				return
			}
		}
	}
}

func (s *robotSession) streamAudio() {
	t := time.NewTicker(audioFrameInterval)
	defer t.Stop()
	for i := 0; ; i++ {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.audio.WriteSample(media.Sample{Data: SyntheticOpusFrame(i), Duration: audioFrameInterval}); err != nil {
				return
			}
		}
	}
}

func (s *robotSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.pc.Close()
	})
}

var startCode = []byte{0, 0, 0, 1}

// SyntheticH264Frame returns an Annex-B access unit. Every keyframeInterval
// frames it carries SPS, PPS and a large IDR slice that has to be
// fragmented; otherwise a small non-IDR slice.
func SyntheticH264Frame(i int) []byte {
	var out []byte
	nal := func(header byte, n int) {
		out = append(out, startCode...)
		out = append(out, header)
		for j := 0; j < n; j++ {
			out = append(out, byte(i+j)|0x01)
		}
	}
	if i%keyframeInterval == 0 {
		nal(0x67, 12)   // SPS
		nal(0x68, 4)    // PPS
		nal(0x65, 4000) // IDR
		return out
	}
	nal(0x41, 300)
	return out
}

// SyntheticOpusFrame returns a fixed-size fake Opus payload.
func SyntheticOpusFrame(i int) []byte {
	out := make([]byte, 80)
	out[0] = 0xfc
	for j := 1; j < len(out); j++ {
		out[j] = byte(i + j)
	}
	return out
}
