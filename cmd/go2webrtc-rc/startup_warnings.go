package main

import (
	"log/slog"
	"net"
	"strings"

	"github.com/roboverse/go2webrtc-rc/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.TrimSpace(cfg.Token) == "" {
		logger.Warn("startup warning: robot token is empty; robots on recent firmware reject unauthenticated offers",
			"warning_code", "token_empty",
			"signaling", cfg.Signaling,
		)
	}

	if !cfg.ControlChannel {
		logger.Warn("startup warning: control channel disabled; the robot will not start streaming unless it skips validation",
			"warning_code", "control_channel_disabled",
		)
	}

	if ip := net.ParseIP(cfg.DestHost); ip != nil && !ip.IsLoopback() {
		logger.Warn("startup warning: relay destination is not loopback; media leaves this host unencrypted",
			"warning_code", "dest_host_remote",
			"dest_host", cfg.DestHost,
		)
	}

	if cfg.Output == config.OutputRTP && cfg.SDPOut == "" {
		logger.Warn("startup warning: rtp output without --sdp-out; players need an SDP file to decode the streams",
			"warning_code", "rtp_without_sdp",
		)
	}

	if cfg.HTTPAddr != "" && listensOnAllInterfaces(cfg.HTTPAddr) {
		logger.Warn("startup warning: status server listens on every interface",
			"warning_code", "status_server_public",
			"http_addr", cfg.HTTPAddr,
		)
	}

	if cfg.Debug {
		logger.Info("debug reporting enabled: every state transition and dropped frame is logged")
	}
}

func listensOnAllInterfaces(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
