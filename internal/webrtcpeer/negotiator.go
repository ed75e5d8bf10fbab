package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/metrics"
	"github.com/roboverse/go2webrtc-rc/internal/signaling"
)

var (
	// ErrNegotiationTimeout means no candidate pair came up in time, or ICE
	// failed outright.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrHandshakeFailure means the answer could not be applied, DTLS failed
	// after ICE connected, or the control channel never validated.
	ErrHandshakeFailure = errors.New("transport handshake failed")
)

const (
	DefaultGatherTimeout      = 2 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultHeartbeatInterval  = 2 * time.Second
)

type Options struct {
	ICEServers         []webrtc.ICEServer
	GatherTimeout      time.Duration
	NegotiationTimeout time.Duration

	// ControlChannel waits for the robot's validation handshake before the
	// transport counts as established.
	ControlChannel    bool
	Audio             bool
	HeartbeatInterval time.Duration

	// OnAnswer, if set, sees every answer that was applied successfully.
	OnAnswer func(webrtc.SessionDescription)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Negotiator struct {
	api  *webrtc.API
	opts Options
}

func NewNegotiator(api *webrtc.API, opts Options) *Negotiator {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.HeartbeatInterval < 0 {
		opts.HeartbeatInterval = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Negotiator{api: api, opts: opts}
}

// Establish negotiates a PeerConnection over ch and returns once ICE and DTLS
// are up (and, when enabled, the control channel validated). The caller
// owns ch; on error every resource created here is released.
func (n *Negotiator) Establish(ctx context.Context, ch signaling.Channel) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(n.opts.NegotiationTimeout)
	log := n.opts.Logger

	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: n.opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := newTransport(pc, log)
	ok := false
	defer func() {
		if !ok {
			_ = t.Close()
		}
	}()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}
	// The robot refuses offers without a sendrecv audio section.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	dc, err := pc.CreateDataChannel(ControlLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	if n.opts.ControlChannel {
		if t.control, err = newControl(dc, n.opts.Audio, n.opts.HeartbeatInterval, log, n.opts.Metrics); err != nil {
			return nil, err
		}
	}

	tr := newTrickle(ctx, pc, ch, log)
	defer tr.stop()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	local := offer
	if !ch.Trickle() {
		if err := waitGathering(ctx, gathered, n.opts.GatherTimeout, log); err != nil {
			return nil, err
		}
		if ld := pc.LocalDescription(); ld != nil {
			local = *ld
		}
	}

	answer, err := ch.Offer(ctx, local)
	if err != nil {
		return nil, err
	}
	tr.offerSent()

	media, err := summarizeAnswer(answer.SDP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	for _, m := range media {
		log.Debug("answer media", "kind", m.Kind, "direction", m.Direction, "codecs", m.Codecs)
	}
	if !sendsVideo(media) {
		log.Warn("answer does not send video")
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("%w: set remote description: %v", ErrHandshakeFailure, err)
	}
	tr.answerApplied()
	if n.opts.OnAnswer != nil {
		n.opts.OnAnswer(answer)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-t.connected:
	case <-t.lost:
		if t.iceConnected.Load() {
			return nil, fmt.Errorf("%w: dtls failed after ice connected", ErrHandshakeFailure)
		}
		return nil, fmt.Errorf("%w: ice failed", ErrNegotiationTimeout)
	case <-timer.C:
		if t.iceConnected.Load() {
			return nil, fmt.Errorf("%w: dtls did not complete within %s", ErrHandshakeFailure, n.opts.NegotiationTimeout)
		}
		return nil, fmt.Errorf("%w: no candidate pair within %s", ErrNegotiationTimeout, n.opts.NegotiationTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	log.Info("peer connection established")

	if t.control != nil {
		select {
		case <-t.control.Validated():
		case <-t.lost:
			return nil, fmt.Errorf("%w: connection lost during validation", ErrHandshakeFailure)
		case <-timer.C:
			return nil, fmt.Errorf("%w: control channel not validated within %s", ErrHandshakeFailure, n.opts.NegotiationTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ok = true
	return t, nil
}

func waitGathering(ctx context.Context, gathered <-chan struct{}, timeout time.Duration, log *slog.Logger) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		// Send what we have; host candidates are gathered almost instantly
		// and the robot sits on the same LAN.
		log.Warn("ice gathering incomplete, sending offer with candidates gathered so far", "timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// trickle moves candidates between the PeerConnection and a trickle
// signaling channel. Local candidates found before the offer went out and
// remote candidates that arrive before the answer was applied are held
// rather than dropped.
type trickle struct {
	pc  *webrtc.PeerConnection
	ch  signaling.Channel
	log *slog.Logger
	ctx context.Context

	mu            sync.Mutex
	sent          bool
	applied       bool
	localPending  []webrtc.ICECandidateInit
	remotePending []webrtc.ICECandidateInit

	done chan struct{}
	wg   sync.WaitGroup
}

func newTrickle(ctx context.Context, pc *webrtc.PeerConnection, ch signaling.Channel, log *slog.Logger) *trickle {
	tr := &trickle{pc: pc, ch: ch, log: log, ctx: ctx, done: make(chan struct{})}
	if !ch.Trickle() {
		return tr
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		tr.mu.Lock()
		if !tr.sent {
			tr.localPending = append(tr.localPending, init)
			tr.mu.Unlock()
			return
		}
		tr.mu.Unlock()
		tr.sendLocal(init)
	})

	if remote := ch.Candidates(); remote != nil {
		tr.wg.Add(1)
		go tr.readRemote(remote)
	}
	return tr
}

func (tr *trickle) sendLocal(c webrtc.ICECandidateInit) {
	if err := tr.ch.SendCandidate(tr.ctx, c); err != nil {
		tr.log.Debug("send local candidate", "err", err)
	}
}

func (tr *trickle) offerSent() {
	tr.mu.Lock()
	tr.sent = true
	pending := tr.localPending
	tr.localPending = nil
	tr.mu.Unlock()
	for _, c := range pending {
		tr.sendLocal(c)
	}
}

func (tr *trickle) answerApplied() {
	tr.mu.Lock()
	tr.applied = true
	pending := tr.remotePending
	tr.remotePending = nil
	tr.mu.Unlock()
	for _, c := range pending {
		tr.addRemote(c)
	}
}

func (tr *trickle) addRemote(c webrtc.ICECandidateInit) {
	if err := tr.pc.AddICECandidate(c); err != nil {
		tr.log.Debug("add remote candidate", "err", err)
	}
}

func (tr *trickle) readRemote(remote <-chan webrtc.ICECandidateInit) {
	defer tr.wg.Done()
	for {
		select {
		case <-tr.done:
			return
		case c, ok := <-remote:
			if !ok {
				return
			}
			tr.mu.Lock()
			if !tr.applied {
				tr.remotePending = append(tr.remotePending, c)
				tr.mu.Unlock()
				continue
			}
			tr.mu.Unlock()
			tr.addRemote(c)
		}
	}
}

// stop ends the remote candidate reader. Candidates still trickling after
// Establish returns are not needed: the robot sits on the same LAN and
// host candidates connect first.
func (tr *trickle) stop() {
	close(tr.done)
	tr.wg.Wait()
}
