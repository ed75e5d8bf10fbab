package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/roboverse/go2webrtc-rc/internal/metrics"
	"github.com/roboverse/go2webrtc-rc/internal/ratelimit"
)

const (
	DefaultTrackWait     = 3 * time.Second
	DefaultReorderWindow = 128
	DefaultReorderDelay  = 50 * time.Millisecond
	DefaultFrameTimeout  = 500 * time.Millisecond
	DefaultPLIPerSecond  = 2

	frameQueueLen  = 32
	packetQueueLen = 256
)

// TrackSource hands out the tracks negotiated on a transport.
type TrackSource interface {
	// NextTrack blocks until the transport reports another remote track.
	NextTrack(ctx context.Context) (RemoteTrack, error)
	WriteRTCP(pkts []rtcp.Packet) error
}

type Options struct {
	// TrackWait bounds how long Open waits for the tracks to appear.
	TrackWait time.Duration
	// ExpectAudio makes Open wait for an audio track as well as video.
	ExpectAudio   bool
	ReorderWindow int
	ReorderDelay  time.Duration
	FrameTimeout  time.Duration
	// PLIPerSecond throttles keyframe requests; 0 disables them.
	PLIPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

func (o Options) withDefaults() Options {
	if o.TrackWait <= 0 {
		o.TrackWait = DefaultTrackWait
	}
	if o.ReorderWindow <= 0 {
		o.ReorderWindow = DefaultReorderWindow
	}
	if o.ReorderDelay <= 0 {
		o.ReorderDelay = DefaultReorderDelay
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = DefaultFrameTimeout
	}
	if o.PLIPerSecond < 0 {
		o.PLIPerSecond = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = ratelimit.RealClock{}
	}
	return o
}

// Session owns the per-track pipelines of one connection.
type Session struct {
	opts   Options
	src    TrackSource
	log    *slog.Logger
	pli    *ratelimit.TokenBucket
	cancel context.CancelFunc
	wg     sync.WaitGroup

	video *Track
	audio *Track
}

// Open waits for the negotiated tracks and starts their pipelines. A video
// track is required; audio is optional. Extra tracks of a kind that is
// already present are ignored.
func Open(ctx context.Context, src TrackSource, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	waitCtx, cancelWait := context.WithTimeout(ctx, opts.TrackWait)
	defer cancelWait()

	var video, audio RemoteTrack
	for video == nil || (opts.ExpectAudio && audio == nil) {
		t, err := src.NextTrack(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		kind, ok := kindFromCodecType(t.Kind())
		switch {
		case !ok:
			log.Warn("ignoring track of unknown kind", "track_id", t.ID(), "kind", t.Kind().String())
		case kind == KindVideo && video == nil:
			video = t
		case kind == KindAudio && audio == nil:
			audio = t
		default:
			log.Info("ignoring extra track", "kind", kind.String(), "track_id", t.ID())
		}
	}

	if video == nil {
		if audio == nil {
			return nil, fmt.Errorf("%w: robot offered no media tracks", ErrTrackNegotiation)
		}
		return nil, fmt.Errorf("%w: robot offered audio but no video track", ErrTrackNegotiation)
	}
	if audio == nil {
		log.Info("audio track absent, relaying video only")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:   opts,
		src:    src,
		log:    log,
		pli:    ratelimit.PerSecond(opts.Clock, opts.PLIPerSecond),
		cancel: cancel,
	}
	s.video = s.start(runCtx, KindVideo, video)
	if audio != nil {
		s.audio = s.start(runCtx, KindAudio, audio)
	}
	// The first frames are useless without a keyframe.
	s.RequestKeyframe()
	return s, nil
}

func (s *Session) Video() *Track { return s.video }

// Audio returns nil when the robot did not negotiate audio.
func (s *Session) Audio() *Track { return s.audio }

func (s *Session) Tracks() []*Track {
	out := []*Track{s.video}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

// RequestKeyframe sends a PLI for the video track, subject to throttling.
func (s *Session) RequestKeyframe() {
	if s.video == nil || !s.pli.Allow(1) {
		return
	}
	err := s.src.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: s.video.info.SSRC}})
	if err != nil {
		s.log.Debug("keyframe request failed", "err", err)
		return
	}
	s.opts.Metrics.Inc(metrics.KeyframeRequests)
}

// Close stops every pipeline. Tracks return ErrTrackEnded afterwards. The
// underlying transport must be closed by its owner to unblock packet reads.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Session) start(ctx context.Context, kind Kind, rt RemoteTrack) *Track {
	info := trackInfo(kind, rt)
	t := &Track{
		info:   info,
		frames: make(chan Frame, frameQueueLen),
		done:   make(chan struct{}),
	}
	t.lastActivity.Store(s.opts.Clock.Now().UnixNano())
	s.log.Info("track negotiated",
		"kind", kind.String(),
		"track_id", info.ID,
		"codec", info.MimeType,
		"clock_rate", info.ClockRate,
		"ssrc", info.SSRC,
	)

	p := &pipeline{
		s:       s,
		t:       t,
		reorder: newReorderBuffer(s.opts.ReorderWindow, s.opts.ReorderDelay),
		asm:     newAssembler(kind, newDepacketizer(info.MimeType), s.opts.FrameTimeout),
		log:     s.log.With("kind", kind.String()),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.run(ctx, rt)
	}()
	return t
}

// Track is the frame sequence of one negotiated track.
type Track struct {
	info   TrackInfo
	frames chan Frame
	done   chan struct{}
	err    error

	lastActivity atomic.Int64
	dropped      atomic.Uint64
}

func (t *Track) Info() TrackInfo { return t.info }

// LastActivity is the arrival time of the most recent RTP packet.
func (t *Track) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// Done is closed once the track has ended.
func (t *Track) Done() <-chan struct{} { return t.done }

// Dropped returns the number of frames discarded so far.
func (t *Track) Dropped() uint64 { return t.dropped.Load() }

// NextFrame returns the next complete frame. Frames come in non-decreasing
// timestamp order. Once the track ends it returns an error wrapping
// ErrTrackEnded.
func (t *Track) NextFrame(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			return Frame{}, t.err
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

type pipeline struct {
	s       *Session
	t       *Track
	reorder *reorderBuffer
	asm     *assembler
	log     *slog.Logger
}

func (p *pipeline) run(ctx context.Context, rt RemoteTrack) {
	pkts := make(chan *rtp.Packet, packetQueueLen)
	readErr := make(chan error, 1)
	go func() {
		defer close(pkts)
		for {
			pkt, _, err := rt.ReadRTP()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case pkts <- pkt:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	ticker := time.NewTicker(tickInterval(p.s.opts.ReorderDelay, p.s.opts.FrameTimeout))
	defer ticker.Stop()

	kind := p.t.info.Kind.String()
	for {
		select {
		case pkt, ok := <-pkts:
			if !ok {
				p.finish(ctx, <-readErr)
				return
			}
			now := p.s.opts.Clock.Now()
			p.t.lastActivity.Store(now.UnixNano())
			p.s.opts.Metrics.Inc(metrics.Kind(metrics.PacketsReceived, kind))

			res, rel, skipped := p.reorder.push(pkt, now)
			switch res {
			case pushLate:
				p.s.opts.Metrics.Inc(metrics.Kind(metrics.PacketsLate, kind))
				p.log.Debug("late rtp packet dropped", "seq", pkt.SequenceNumber, "ts", pkt.Timestamp)
			case pushDuplicate:
				p.s.opts.Metrics.Inc(metrics.Kind(metrics.PacketsDuplicate, kind))
			}
			if !p.deliver(ctx, rel, skipped, now) {
				return
			}
		case <-ticker.C:
			now := p.s.opts.Clock.Now()
			rel, skipped := p.reorder.expire(now)
			if !p.deliver(ctx, rel, skipped, now) {
				return
			}
			p.dropped(p.asm.expire(now))
		case <-ctx.Done():
			p.close(fmt.Errorf("%w: %v", ErrTrackEnded, ctx.Err()))
			return
		}
	}
}

func (p *pipeline) deliver(ctx context.Context, rel []released, skipped int, now time.Time) bool {
	if skipped > 0 {
		p.s.opts.Metrics.Add(metrics.Kind(metrics.PacketsSkipped, p.t.info.Kind.String()), uint64(skipped))
	}
	for _, r := range rel {
		frames, drops := p.asm.push(r, now)
		p.dropped(drops)
		for _, f := range frames {
			select {
			case p.t.frames <- f:
			case <-ctx.Done():
				p.close(fmt.Errorf("%w: %v", ErrTrackEnded, ctx.Err()))
				return false
			}
		}
	}
	return true
}

func (p *pipeline) dropped(drops []drop) {
	if len(drops) == 0 {
		return
	}
	kind := p.t.info.Kind.String()
	for _, d := range drops {
		p.t.dropped.Add(1)
		p.s.opts.Metrics.Inc(metrics.Kind(metrics.FramesDropped, kind))
		p.log.Debug("frame dropped", "err", d.err, "packets", d.packets)
	}
	if p.t.info.Kind == KindVideo {
		p.s.RequestKeyframe()
	}
}

// finish flushes whatever is still held once the track stops delivering.
func (p *pipeline) finish(ctx context.Context, cause error) {
	now := p.s.opts.Clock.Now()
	if !p.deliver(ctx, p.reorder.flush(), 0, now) {
		return
	}
	if errors.Is(cause, io.EOF) {
		p.close(fmt.Errorf("%w: %w", ErrTrackEnded, io.EOF))
		return
	}
	p.close(fmt.Errorf("%w: %v", ErrTrackEnded, cause))
}

func (p *pipeline) close(err error) {
	p.t.err = err
	close(p.t.frames)
	close(p.t.done)
}

func tickInterval(reorderDelay, frameTimeout time.Duration) time.Duration {
	d := min(reorderDelay, frameTimeout) / 4
	return max(min(d, 50*time.Millisecond), 5*time.Millisecond)
}
