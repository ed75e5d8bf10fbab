package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/config"
	"github.com/roboverse/go2webrtc-rc/internal/media"
	"github.com/roboverse/go2webrtc-rc/internal/relay"
	"github.com/roboverse/go2webrtc-rc/internal/signaling"
	"github.com/roboverse/go2webrtc-rc/internal/supervisor"
	"github.com/roboverse/go2webrtc-rc/internal/webrtcpeer"
)

// trackSource adapts the transport's concrete pion tracks to media.
type trackSource struct {
	*webrtcpeer.Transport
}

func (s trackSource) NextTrack(ctx context.Context) (media.RemoteTrack, error) {
	t, err := s.Transport.NextTrack(ctx)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// connect runs one attempt: signaling, negotiation, track acceptance. On
// success the returned session is already forwarding frames.
func (b *Bridge) connect(ctx context.Context, negotiating func()) (supervisor.Session, error) {
	ch, err := b.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	neg := webrtcpeer.NewNegotiator(b.api, webrtcpeer.Options{
		ICEServers:         b.cfg.ICEServers,
		GatherTimeout:      b.cfg.ICEGatherTimeout,
		NegotiationTimeout: b.cfg.NegotiationTimeout,
		ControlChannel:     b.cfg.ControlChannel,
		Audio:              b.cfg.AudioEnabled,
		HeartbeatInterval:  b.cfg.HeartbeatInterval,
		OnAnswer:           func(webrtc.SessionDescription) { negotiating() },
		Logger:             b.log,
		Metrics:            b.metrics,
	})
	tr, err := neg.Establish(ctx, ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	ms, err := media.Open(ctx, trackSource{tr}, media.Options{
		TrackWait:     b.cfg.TrackWait,
		ExpectAudio:   b.cfg.AudioEnabled,
		ReorderWindow: b.cfg.ReorderWindow,
		ReorderDelay:  b.cfg.ReorderDelay,
		FrameTimeout:  b.cfg.FrameTimeout,
		PLIPerSecond:  b.cfg.PLIPerSecond,
		Logger:        b.log,
		Metrics:       b.metrics,
	})
	if err != nil {
		_ = tr.Close()
		_ = ch.Close()
		return nil, err
	}

	s := newSession(b, ch, tr, ms)
	if b.cfg.SDPOut != "" && b.cfg.Output == config.OutputRTP {
		if err := b.relayCfg.WriteSDP(b.cfg.SDPOut, s.trackInfos()); err != nil {
			b.log.Warn("write sdp", "path", b.cfg.SDPOut, "err", err)
		}
	}
	b.setCurrent(s)
	return s, nil
}

// session is one established connection to the robot.
type session struct {
	b     *Bridge
	log   *slog.Logger
	ch    signaling.Channel
	tr    *webrtcpeer.Transport
	media *media.Session

	liveness time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func newSession(b *Bridge, ch signaling.Channel, tr *webrtcpeer.Transport, ms *media.Session) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		b:        b,
		log:      b.log,
		ch:       ch,
		tr:       tr,
		media:    ms,
		liveness: b.cfg.LivenessTimeout,
		cancel:   cancel,
	}
	for _, t := range ms.Tracks() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.forward(ctx, t)
		}()
	}
	return s
}

func (s *session) trackInfos() []media.TrackInfo {
	tracks := s.media.Tracks()
	out := make([]media.TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.Info())
	}
	return out
}

// forward is the only writer of the track's relay socket.
func (s *session) forward(ctx context.Context, t *media.Track) {
	kind := t.Info().Kind.String()
	for {
		f, err := t.NextFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("track ended", "kind", kind, "err", err)
			}
			return
		}
		if err := s.b.relay.Forward(f); err != nil {
			if errors.Is(err, relay.ErrQueueFull) {
				s.log.Debug("frame dropped", "kind", kind, "err", err)
				continue
			}
			s.log.Warn("relay forward failed", "kind", kind, "err", err)
		}
	}
}

// Wait returns once the transport fails, the video track ends or stays
// silent for the liveness timeout, or ctx ends.
func (s *session) Wait(ctx context.Context) error {
	video := s.media.Video()
	var tick <-chan time.Time
	if s.liveness > 0 {
		ticker := time.NewTicker(max(s.liveness/4, 10*time.Millisecond))
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.tr.Lost():
			return fmt.Errorf("%w: peer connection %s", supervisor.ErrTransportLost, s.tr.State())
		case <-video.Done():
			return fmt.Errorf("%w: video track ended", supervisor.ErrTransportLost)
		case now := <-tick:
			if idle := now.Sub(video.LastActivity()); idle > s.liveness {
				return fmt.Errorf("%w: no video for %s", supervisor.ErrTransportLost, idle.Round(time.Millisecond))
			}
		}
	}
}

// Close tears the session down. The transport goes first so blocked RTP
// reads return before the media pipelines are joined.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.b.clearCurrent(s)
		s.cancel()
		trErr := s.tr.Close()
		s.media.Close()
		chErr := s.ch.Close()
		s.wg.Wait()
		s.closeErr = errors.Join(trErr, chErr)
	})
	return s.closeErr
}
