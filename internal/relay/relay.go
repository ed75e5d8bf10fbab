package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/roboverse/go2webrtc-rc/internal/config"
	"github.com/roboverse/go2webrtc-rc/internal/media"
	"github.com/roboverse/go2webrtc-rc/internal/metrics"
	"github.com/roboverse/go2webrtc-rc/internal/udpproto"
)

const DefaultSendQueueBytes = 1 << 20

type Config struct {
	DestHost         string
	BindAddr         string
	VideoPort        uint16
	AudioPort        uint16
	Output           config.OutputFormat
	MaxDatagramBytes int
	WriteTimeout     time.Duration
	SendQueueBytes   int
}

// ConfigFrom picks the relay settings out of the process configuration.
func ConfigFrom(c config.Config) Config {
	return Config{
		DestHost:         c.DestHost,
		BindAddr:         c.BindAddr,
		VideoPort:        c.VideoPort,
		AudioPort:        c.AudioPort,
		Output:           c.Output,
		MaxDatagramBytes: c.MaxDatagramBytes,
		WriteTimeout:     c.WriteTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.DestHost == "" {
		c.DestHost = config.DefaultDestHost
	}
	if c.BindAddr == "" {
		c.BindAddr = config.DefaultBindAddr
	}
	if c.Output == "" {
		c.Output = config.OutputFramed
	}
	if c.MaxDatagramBytes <= 0 {
		c.MaxDatagramBytes = udpproto.DefaultMaxPayload
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = DefaultSendQueueBytes
	}
	return c
}

// Relay owns the video and audio sockets. It outlives individual WebRTC
// sessions so consumers see one continuous stream across reconnects.
type Relay struct {
	cfg     Config
	codec   udpproto.Codec
	video   *Socket
	audio   *Socket
	log     *slog.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	seq [2]uint32
}

func Open(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	cfg = cfg.withDefaults()
	if cfg.VideoPort == 0 || cfg.AudioPort == 0 {
		return nil, errors.New("relay: video and audio ports are required")
	}
	if cfg.Output != config.OutputFramed && cfg.Output != config.OutputRTP {
		return nil, fmt.Errorf("relay: unknown output %q", cfg.Output)
	}
	codec, err := udpproto.NewCodec(cfg.MaxDatagramBytes)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Relay{cfg: cfg, codec: codec, log: log, metrics: m}
	open := func(kind string, port uint16) (*Socket, error) {
		dest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.DestHost, strconv.Itoa(int(port))))
		if err != nil {
			return nil, fmt.Errorf("resolve %s destination: %w", kind, err)
		}
		return OpenSocket(kind, cfg.BindAddr, dest, cfg.WriteTimeout, cfg.SendQueueBytes, log, m)
	}
	if r.video, err = open("video", cfg.VideoPort); err != nil {
		return nil, err
	}
	if r.audio, err = open("audio", cfg.AudioPort); err != nil {
		_ = r.video.Close()
		return nil, err
	}
	log.Info("udp relay ready",
		"output", string(cfg.Output),
		"video_dest", r.video.Dest().String(),
		"audio_dest", r.audio.Dest().String(),
	)
	return r, nil
}

func (r *Relay) Video() *Socket { return r.video }
func (r *Relay) Audio() *Socket { return r.audio }

func (r *Relay) socket(k media.Kind) *Socket {
	if k == media.KindAudio {
		return r.audio
	}
	return r.video
}

func wireKind(k media.Kind) udpproto.Kind {
	if k == media.KindAudio {
		return udpproto.KindAudio
	}
	return udpproto.KindVideo
}

func (r *Relay) nextSeq(k media.Kind) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.seq[wireKind(k)]
	r.seq[wireKind(k)]++
	return s
}

// Forward sends one frame to its kind's consumer. A frame is either queued
// whole or dropped whole.
func (r *Relay) Forward(f media.Frame) error {
	kind := f.Kind.String()

	var batch [][]byte
	var err error
	switch r.cfg.Output {
	case config.OutputRTP:
		batch, err = rtpDatagrams(f)
	default:
		h := udpproto.FrameHeader{
			Kind:      wireKind(f.Kind),
			Keyframe:  f.Keyframe,
			Seq:       r.nextSeq(f.Kind),
			Timestamp: f.Timestamp,
		}
		err = r.codec.Split(h, f.Payload, func(d []byte) error {
			batch = append(batch, append([]byte(nil), d...))
			return nil
		})
	}
	if err == nil {
		err = r.socket(f.Kind).SendFrame(batch)
	}
	if err != nil {
		r.metrics.Inc(metrics.Kind(metrics.FramesDropped, kind))
		return fmt.Errorf("forward %s frame ts=%d: %w", kind, f.Timestamp, err)
	}
	r.metrics.Inc(metrics.Kind(metrics.FramesForwarded, kind))
	return nil
}

func rtpDatagrams(f media.Frame) ([][]byte, error) {
	if len(f.Packets) == 0 {
		return nil, errors.New("frame carries no rtp packets")
	}
	out := make([][]byte, 0, len(f.Packets))
	for _, pkt := range f.Packets {
		b, err := pkt.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *Relay) Close() error {
	return errors.Join(r.video.Close(), r.audio.Close())
}
