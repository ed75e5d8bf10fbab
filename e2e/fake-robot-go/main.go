package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/roboverse/go2webrtc-rc/internal/go2sim"
)

// fake-robot-go plays a Go2 on the local host: the encrypted signaling
// endpoint, the legacy and WebSocket endpoints, and a media peer streaming
// synthetic H.264 and Opus.
func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	encryptedPort := envIntOrDefault("ENCRYPTED_PORT", 0)
	legacyPort := envIntOrDefault("LEGACY_PORT", 0)
	token := os.Getenv("GO2_TOKEN")

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	peer := go2sim.NewPeer(go2sim.PeerConfig{
		Validation: os.Getenv("NO_VALIDATION") == "",
		NoAudio:    os.Getenv("NO_AUDIO") != "",
		Logger:     log,
	})
	defer peer.Close()

	sig, err := go2sim.NewSignaler(go2sim.SignalerConfig{Token: token, Answerer: peer, Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "signaler: %v\n", err)
		os.Exit(1)
	}

	legacy := http.NewServeMux()
	legacy.Handle("POST /offer", sig.LegacyHandler())
	legacy.Handle("/webrtc/signal", sig.WebSocketHandler())

	encLn, err := listen(bindHost, encryptedPort)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	legacyLn, err := listen(bindHost, legacyPort)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	servers := []*http.Server{
		{Handler: sig.EncryptedHandler(), ReadHeaderTimeout: 5 * time.Second},
		{Handler: legacy, ReadHeaderTimeout: 5 * time.Second},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(servers))
	for i, ln := range []net.Listener{encLn, legacyLn} {
		srv := servers[i]
		go func() {
			errCh <- srv.Serve(ln)
		}()
	}

	fmt.Printf("READY %d %d\n", encLn.Addr().(*net.TCPAddr).Port, legacyLn.Addr().(*net.TCPAddr).Port)

	select {
	case <-ctx.Done():
		for _, srv := range servers {
			_ = srv.Shutdown(context.Background())
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func listen(host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
