package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/config"
)

const iceKeepalive = 2 * time.Second

// APIOptions carries the pieces of the WebRTC stack that are not part of
// config.Config.
type APIOptions struct {
	Logger *slog.Logger
	// Net replaces the OS network stack, e.g. with a pion vnet in tests.
	Net transport.Net
}

// NewAPI builds the shared webrtc.API: default codecs (H.264, Opus among
// them), the default interceptors (NACK, RTCP reports, TWCC) and a
// SettingEngine carrying the network knobs.
func NewAPI(cfg config.Config, opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if cfg.LivenessTimeout > 0 {
		// ICE declares the pair failed after the same silence that the
		// liveness check tolerates.
		se.SetICETimeouts(cfg.LivenessTimeout/2, cfg.LivenessTimeout, iceKeepalive)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.Logger != nil {
		se.LoggerFactory = newLoggerFactory(opts.Logger)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	// SettingEngine doesn't expose a "bind to 0.0.0.0" toggle; instead
	// candidate gathering and socket binding are restricted via IPFilter.
	if len(cfg.WebRTCUDPListenIP) > 0 && !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
