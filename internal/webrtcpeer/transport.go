package webrtcpeer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// ErrTransportClosed is returned by NextTrack once the transport is gone.
var ErrTransportClosed = errors.New("transport closed")

const trackQueue = 8

// Transport owns an established PeerConnection.
type Transport struct {
	pc      *webrtc.PeerConnection
	log     *slog.Logger
	control *Control

	tracks chan *webrtc.TrackRemote

	iceConnected atomic.Bool
	state        atomic.Value // webrtc.PeerConnectionState

	connectedOnce sync.Once
	connected     chan struct{}

	lostOnce sync.Once
	lost     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newTransport(pc *webrtc.PeerConnection, log *slog.Logger) *Transport {
	t := &Transport{
		pc:        pc,
		log:       log,
		tracks:    make(chan *webrtc.TrackRemote, trackQueue),
		connected: make(chan struct{}),
		lost:      make(chan struct{}),
	}
	t.state.Store(webrtc.PeerConnectionStateNew)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.log.Info("remote track",
			"kind", track.Kind().String(),
			"id", track.ID(),
			"ssrc", uint32(track.SSRC()),
			"codec", track.Codec().MimeType,
		)
		select {
		case t.tracks <- track:
		case <-t.lost:
		default:
			t.log.Warn("dropping remote track, queue full", "id", track.ID())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.log.Debug("ice connection state", "state", s.String())
		if s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted {
			t.iceConnected.Store(true)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", "state", s.String())
		t.state.Store(s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			t.connectedOnce.Do(func() { close(t.connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.markLost()
		}
	})
	return t
}

func (t *Transport) markLost() {
	t.lostOnce.Do(func() { close(t.lost) })
}

// NextTrack returns the next negotiated remote track.
func (t *Transport) NextTrack(ctx context.Context) (*webrtc.TrackRemote, error) {
	select {
	case tr := <-t.tracks:
		return tr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.lost:
		return nil, ErrTransportClosed
	}
}

// Lost is closed once the connection fails or is closed.
func (t *Transport) Lost() <-chan struct{} { return t.lost }

func (t *Transport) State() webrtc.PeerConnectionState {
	return t.state.Load().(webrtc.PeerConnectionState)
}

func (t *Transport) WriteRTCP(pkts []rtcp.Packet) error {
	return t.pc.WriteRTCP(pkts)
}

// Control returns the control channel handler, or nil when disabled.
func (t *Transport) Control() *Control { return t.control }

func (t *Transport) PeerConnection() *webrtc.PeerConnection { return t.pc }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.control != nil {
			t.control.Close()
		}
		t.markLost()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}
