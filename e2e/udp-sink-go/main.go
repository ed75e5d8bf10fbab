package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/roboverse/go2webrtc-rc/internal/udpproto"
)

// udp-sink-go listens on the relay's video and audio ports, rebuilds framed
// output and prints one line per frame:
//
//	FRAME <kind> seq=<n> ts=<rtp ts> key=<bool> bytes=<n>
//
// It exits after MAX_FRAMES frames (0 = run until signalled).
func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	videoPort := envIntOrDefault("VIDEO_PORT", 4002)
	audioPort := envIntOrDefault("AUDIO_PORT", 4000)
	maxDatagram := envIntOrDefault("MAX_DATAGRAM_BYTES", udpproto.DefaultMaxPayload)
	maxFrames := envIntOrDefault("MAX_FRAMES", 0)

	codec, err := udpproto.NewCodec(maxDatagram)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	frames := make(chan udpproto.Frame, 64)
	for _, port := range []int{videoPort, audioPort} {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindHost), Port: port})
		if err != nil {
			fmt.Fprintf(os.Stderr, "listen udp %d: %v\n", port, err)
			os.Exit(1)
		}
		defer conn.Close()
		go receive(ctx, conn, udpproto.NewReassembler(codec, 0), frames)
	}
	fmt.Printf("READY %d %d\n", videoPort, audioPort)

	start := time.Now()
	n := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("DONE frames=%d elapsed=%s\n", n, time.Since(start).Round(time.Millisecond))
			return
		case f := <-frames:
			n++
			fmt.Printf("FRAME %s seq=%d ts=%d key=%t bytes=%d\n", f.Kind, f.Seq, f.Timestamp, f.Keyframe, len(f.Payload))
			if maxFrames > 0 && n >= maxFrames {
				fmt.Printf("DONE frames=%d elapsed=%s\n", n, time.Since(start).Round(time.Millisecond))
				return
			}
		}
	}
}

func receive(ctx context.Context, conn *net.UDPConn, ra *udpproto.Reassembler, out chan<- udpproto.Frame) {
	buf := make([]byte, 65535)
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		f, ok, err := ra.Push(buf[:n])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad datagram: %v\n", err)
			continue
		}
		if ok {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}
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
