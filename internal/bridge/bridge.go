// Package bridge assembles the relay: it opens the UDP sockets once, then
// lets the supervisor run signaling, negotiation and media sessions against
// the robot, forwarding every frame to the sockets.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/config"
	"github.com/roboverse/go2webrtc-rc/internal/httpserver"
	"github.com/roboverse/go2webrtc-rc/internal/media"
	"github.com/roboverse/go2webrtc-rc/internal/metrics"
	"github.com/roboverse/go2webrtc-rc/internal/relay"
	"github.com/roboverse/go2webrtc-rc/internal/signaling"
	"github.com/roboverse/go2webrtc-rc/internal/supervisor"
	"github.com/roboverse/go2webrtc-rc/internal/webrtcpeer"
)

const statusShutdownTimeout = 2 * time.Second

// Run relays the robot's video to videoPort and audio to audioPort on the
// local host until ctx ends (nil) or reconnection gives up.
func Run(ctx context.Context, videoPort, audioPort uint16, robotAddress, token string, debug bool) error {
	return RunConfig(ctx, config.New(videoPort, audioPort, robotAddress, token, debug))
}

// RunConfig is Run with every knob exposed.
func RunConfig(ctx context.Context, cfg config.Config) error {
	b, err := New(cfg, Options{})
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

// Options carries process-level collaborators that are not configuration.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Build   httpserver.BuildInfo

	// Net replaces the OS network stack for WebRTC.
	Net transport.Net
	// EncryptedPort and LegacyPort override the robot's signaling ports.
	EncryptedPort int
	LegacyPort    int

	// OnTransition observes supervisor state changes.
	OnTransition func(supervisor.Transition)
}

// Bridge owns the relay sockets and the supervisor for one robot.
type Bridge struct {
	cfg      config.Config
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics
	relayCfg relay.Config
	relay    *relay.Relay
	api      *webrtc.API
	dialer   *signaling.Dialer
	sup      *supervisor.Supervisor

	mu      sync.Mutex
	current *session
}

// New validates cfg and binds the relay sockets. Every error wraps
// config.ErrInvalidConfig since nothing has talked to the robot yet.
func New(cfg config.Config, opts Options) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		l, err := config.NewLogger(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		log = l
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	b := &Bridge{cfg: cfg, opts: opts, log: log, metrics: m, relayCfg: relay.ConfigFrom(cfg)}

	r, err := relay.Open(b.relayCfg, log, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	b.relay = r

	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.APIOptions{Logger: log, Net: opts.Net})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	b.api = api

	dialer, err := signaling.NewDialer(signaling.Options{
		Method:        signaling.Method(cfg.Signaling),
		Address:       cfg.RobotAddress,
		Token:         cfg.Token,
		Timeout:       cfg.SignalingTimeout,
		EncryptedPort: opts.EncryptedPort,
		LegacyPort:    opts.LegacyPort,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	b.dialer = dialer

	b.sup = supervisor.New(supervisor.ConnectorFunc(b.connect), supervisor.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Logger:         log,
		Metrics:        m,
		OnTransition:   opts.OnTransition,
	})
	return b, nil
}

func (b *Bridge) Relay() *relay.Relay { return b.relay }

func (b *Bridge) Metrics() *metrics.Metrics { return b.metrics }

func (b *Bridge) State() supervisor.State { return b.sup.State() }

// Ready reports whether a robot session is connected.
func (b *Bridge) Ready() bool { return b.sup.State() == supervisor.StateConnected }

// Run serves the optional status endpoint and drives the supervisor. The
// relay sockets are closed when it returns, so a Bridge runs once.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		if err := b.relay.Close(); err != nil {
			b.log.Warn("close relay", "err", err)
		}
	}()

	if b.cfg.SDPOut != "" && b.cfg.Output == config.OutputRTP {
		// Players can start from the default payload types before the robot
		// answers; the file is rewritten once the tracks are known.
		if err := b.relayCfg.WriteSDP(b.cfg.SDPOut, nil); err != nil {
			b.log.Warn("write sdp", "path", b.cfg.SDPOut, "err", err)
		}
	}

	if b.cfg.HTTPAddr != "" {
		stop, err := b.serveStatus()
		if err != nil {
			return err
		}
		defer stop()
	}

	b.log.Info("relay starting",
		"robot", b.cfg.RobotAddress,
		"signaling", string(b.cfg.Signaling),
		"video_port", b.cfg.VideoPort,
		"audio_port", b.cfg.AudioPort,
	)
	return b.sup.Run(ctx)
}

func (b *Bridge) serveStatus() (stop func(), err error) {
	l, err := net.Listen("tcp", b.cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: status listener: %v", config.ErrInvalidConfig, err)
	}
	srv := httpserver.New(httpserver.Options{
		Addr:    b.cfg.HTTPAddr,
		Build:   b.opts.Build,
		Ready:   b.Ready,
		Status:  func() any { return b.Status() },
		Metrics: metrics.PrometheusHandler(b.metrics),
	}, b.log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			b.log.Error("status server failed", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}

// Status is the document served on /status.
type Status struct {
	supervisor.Status
	Tracks []media.TrackInfo `json:"tracks"`
	Relay  RelayStatus       `json:"relay"`
}

type RelayStatus struct {
	Output       string `json:"output"`
	VideoDest    string `json:"videoDest"`
	AudioDest    string `json:"audioDest"`
	VideoDropped uint64 `json:"videoDropped"`
	AudioDropped uint64 `json:"audioDropped"`
}

func (b *Bridge) Status() Status {
	st := Status{
		Status: b.sup.Status(),
		Tracks: []media.TrackInfo{},
		Relay: RelayStatus{
			Output:       string(b.cfg.Output),
			VideoDest:    b.relay.Video().Dest().String(),
			AudioDest:    b.relay.Audio().Dest().String(),
			VideoDropped: b.relay.Video().Dropped(),
			AudioDropped: b.relay.Audio().Dropped(),
		},
	}
	b.mu.Lock()
	if s := b.current; s != nil {
		st.Tracks = s.trackInfos()
	}
	b.mu.Unlock()
	return st
}

func (b *Bridge) setCurrent(s *session) {
	b.mu.Lock()
	b.current = s
	b.mu.Unlock()
}

func (b *Bridge) clearCurrent(s *session) {
	b.mu.Lock()
	if b.current == s {
		b.current = nil
	}
	b.mu.Unlock()
}
