package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/metrics"
)

type fakeTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	codec webrtc.RTPCodecParameters
	ssrc  webrtc.SSRC
	pkts  chan *rtp.Packet
}

func newFakeTrack(id string, kind webrtc.RTPCodecType, ssrc webrtc.SSRC) *fakeTrack {
	codec := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		PayloadType:        96,
	}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			PayloadType:        111,
		}
	}
	return &fakeTrack{id: id, kind: kind, codec: codec, ssrc: ssrc, pkts: make(chan *rtp.Packet, 64)}
}

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-f.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func (f *fakeTrack) ID() string                       { return f.id }
func (f *fakeTrack) Kind() webrtc.RTPCodecType        { return f.kind }
func (f *fakeTrack) Codec() webrtc.RTPCodecParameters { return f.codec }
func (f *fakeTrack) SSRC() webrtc.SSRC                { return f.ssrc }

type fakeSource struct {
	tracks chan RemoteTrack

	mu   sync.Mutex
	rtcp []rtcp.Packet
}

func newFakeSource(tracks ...RemoteTrack) *fakeSource {
	s := &fakeSource{tracks: make(chan RemoteTrack, len(tracks))}
	for _, t := range tracks {
		s.tracks <- t
	}
	return s
}

func (s *fakeSource) NextTrack(ctx context.Context) (RemoteTrack, error) {
	select {
	case t := <-s.tracks:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) WriteRTCP(pkts []rtcp.Packet) error {
	s.mu.Lock()
	s.rtcp = append(s.rtcp, pkts...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) plis() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.rtcp {
		if _, ok := p.(*rtcp.PictureLossIndication); ok {
			n++
		}
	}
	return n
}

func testOptions() Options {
	return Options{
		TrackWait:    200 * time.Millisecond,
		ExpectAudio:  true,
		ReorderDelay: 20 * time.Millisecond,
		FrameTimeout: 200 * time.Millisecond,
		PLIPerSecond: 100,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      metrics.New(),
	}
}

func TestOpen_VideoAndAudio(t *testing.T) {
	video := newFakeTrack("v", webrtc.RTPCodecTypeVideo, 1111)
	audio := newFakeTrack("a", webrtc.RTPCodecTypeAudio, 2222)
	src := newFakeSource(audio, video)

	s, err := Open(context.Background(), src, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Video().Info().SSRC != 1111 || s.Audio() == nil || s.Audio().Info().SSRC != 2222 {
		t.Fatalf("unexpected tracks: %+v", s.Tracks())
	}
	if got := s.Audio().Info().ClockRate; got != 48000 {
		t.Fatalf("audio clock rate=%d", got)
	}
	if src.plis() != 1 {
		t.Fatalf("expected an initial keyframe request, got %d", src.plis())
	}
}

func TestOpen_AudioAbsentIsNotFatal(t *testing.T) {
	src := newFakeSource(newFakeTrack("v", webrtc.RTPCodecTypeVideo, 1))
	s, err := Open(context.Background(), src, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.Audio() != nil || len(s.Tracks()) != 1 {
		t.Fatalf("expected video only")
	}
}

func TestOpen_VideoAbsentIsFatal(t *testing.T) {
	src := newFakeSource(newFakeTrack("a", webrtc.RTPCodecTypeAudio, 1))
	_, err := Open(context.Background(), src, testOptions())
	if !errors.Is(err, ErrTrackNegotiation) {
		t.Fatalf("err=%v, want ErrTrackNegotiation", err)
	}
}

func TestOpen_NoTracks(t *testing.T) {
	_, err := Open(context.Background(), newFakeSource(), testOptions())
	if !errors.Is(err, ErrTrackNegotiation) {
		t.Fatalf("err=%v, want ErrTrackNegotiation", err)
	}
}

func TestOpen_ExtraTrackIgnored(t *testing.T) {
	first := newFakeTrack("v1", webrtc.RTPCodecTypeVideo, 1)
	second := newFakeTrack("v2", webrtc.RTPCodecTypeVideo, 2)
	audio := newFakeTrack("a", webrtc.RTPCodecTypeAudio, 3)
	s, err := Open(context.Background(), newFakeSource(first, second, audio), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.Video().Info().ID != "v1" {
		t.Fatalf("video=%q, want first track", s.Video().Info().ID)
	}
}

func TestOpen_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, newFakeSource(), testOptions()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestTrack_NextFrameOrdersAndEnds(t *testing.T) {
	video := newFakeTrack("v", webrtc.RTPCodecTypeVideo, 1)
	opts := testOptions()
	opts.ExpectAudio = false
	s, err := Open(context.Background(), newFakeSource(video), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// Two frames, delivered out of order.
	video.pkts <- pkt(10, 3000, false, fuaStart...)
	video.pkts <- pkt(12, 3000, true, fuaEnd...)
	video.pkts <- pkt(11, 3000, false, fuaMid...)
	video.pkts <- pkt(14, 6000, true, nalSlice...)
	video.pkts <- pkt(13, 6000, false, nalSlice...)
	close(video.pkts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f1, err := s.Video().NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	f2, err := s.Video().NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if f1.Timestamp != 3000 || f2.Timestamp != 6000 {
		t.Fatalf("timestamps=%d,%d", f1.Timestamp, f2.Timestamp)
	}
	if !f1.Keyframe || len(f1.Packets) != 3 {
		t.Fatalf("frame1=%+v", f1)
	}

	_, err = s.Video().NextFrame(ctx)
	if !errors.Is(err, ErrTrackEnded) || !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want ErrTrackEnded wrapping EOF", err)
	}
	select {
	case <-s.Video().Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestTrack_DroppedFrameRequestsKeyframe(t *testing.T) {
	video := newFakeTrack("v", webrtc.RTPCodecTypeVideo, 1)
	opts := testOptions()
	opts.ExpectAudio = false
	src := newFakeSource(video)
	s, err := Open(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	// Let the keyframe bucket refill after the initial request.
	time.Sleep(50 * time.Millisecond)

	// Only the middle and end of a fragmented frame arrive.
	video.pkts <- pkt(20, 3000, false, fuaMid...)
	video.pkts <- pkt(21, 3000, true, fuaEnd...)
	video.pkts <- pkt(22, 6000, true, nalIDR...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Video().NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if f.Timestamp != 6000 {
		t.Fatalf("ts=%d, want 6000", f.Timestamp)
	}
	if s.Video().Dropped() != 1 {
		t.Fatalf("dropped=%d", s.Video().Dropped())
	}
	if src.plis() < 2 {
		t.Fatalf("plis=%d, want initial + after drop", src.plis())
	}
	if got := opts.Metrics.Get(metrics.Kind(metrics.FramesDropped, "video")); got != 1 {
		t.Fatalf("frames_dropped_video=%d", got)
	}
}

func TestSession_CloseEndsTracks(t *testing.T) {
	video := newFakeTrack("v", webrtc.RTPCodecTypeVideo, 1)
	opts := testOptions()
	opts.ExpectAudio = false
	s, err := Open(context.Background(), newFakeSource(video), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	if _, err := s.Video().NextFrame(context.Background()); !errors.Is(err, ErrTrackEnded) {
		t.Fatalf("err=%v, want ErrTrackEnded", err)
	}
	close(video.pkts)
}
