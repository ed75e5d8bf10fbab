package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/metrics"
)

var (
	// ErrAuthentication means the robot refused the credentials or the offer.
	ErrAuthentication = errors.New("authentication rejected")
	// ErrSignalingProtocol covers malformed or unexpected replies and
	// exchanges that time out.
	ErrSignalingProtocol = errors.New("signaling protocol error")
	// ErrNetworkUnreachable means the robot's signaling endpoint could not be
	// reached at all.
	ErrNetworkUnreachable = errors.New("robot unreachable")
)

// Method selects the signaling dialect.
type Method string

const (
	MethodAuto      Method = "auto"
	MethodEncrypted Method = "encrypted"
	MethodLegacy    Method = "legacy"
	MethodWebSocket Method = "ws"
)

const (
	DefaultEncryptedPort = 9991
	DefaultLegacyPort    = 8081
	DefaultWSPath        = "/webrtc/signal"
	DefaultTimeout       = 10 * time.Second
)

// Channel is one signaling conversation with the robot.
type Channel interface {
	// Offer sends the local offer and returns the robot's answer.
	Offer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// Trickle reports whether ICE candidates are exchanged after the offer.
	// When false the offer must already contain every local candidate.
	Trickle() bool
	SendCandidate(ctx context.Context, c webrtc.ICECandidateInit) error
	// Candidates delivers remote candidates. Non-trickle channels return a
	// nil channel.
	Candidates() <-chan webrtc.ICECandidateInit
	Close() error
}

type Options struct {
	Method  Method
	Address string
	Token   string
	Timeout time.Duration

	// Port overrides, mainly for tests. Zero means the robot defaults.
	EncryptedPort int
	LegacyPort    int
	WSPath        string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = MethodAuto
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.EncryptedPort == 0 {
		o.EncryptedPort = DefaultEncryptedPort
	}
	if o.LegacyPort == 0 {
		o.LegacyPort = DefaultLegacyPort
	}
	if o.WSPath == "" {
		o.WSPath = DefaultWSPath
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Dialer opens a fresh Channel for every connection attempt.
type Dialer struct {
	opts Options
}

func NewDialer(opts Options) (*Dialer, error) {
	opts = opts.withDefaults()
	if opts.Address == "" {
		return nil, errors.New("signaling: robot address is required")
	}
	switch opts.Method {
	case MethodAuto, MethodEncrypted, MethodLegacy, MethodWebSocket:
	default:
		return nil, fmt.Errorf("signaling: unknown method %q", opts.Method)
	}
	return &Dialer{opts: opts}, nil
}

// Dial prepares a channel. HTTP dialects do no I/O until Offer; the
// WebSocket dialect connects here.
func (d *Dialer) Dial(ctx context.Context) (Channel, error) {
	switch d.opts.Method {
	case MethodWebSocket:
		return dialWS(ctx, d.opts)
	default:
		return newHTTPChannel(d.opts), nil
	}
}

// classifyTransportErr maps a failed request to the error taxonomy: failures
// to establish a connection are ErrNetworkUnreachable, anything after that
// is ErrSignalingProtocol.
func classifyTransportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isUnreachable(err) {
		return fmt.Errorf("%w: %s: %v", ErrNetworkUnreachable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrSignalingProtocol, op, err)
}

func isUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// checkAnswer validates the robot's answer. The Go2 answers "reject" instead
// of an SDP when it refuses the offer.
func checkAnswer(a answer) (webrtc.SessionDescription, error) {
	if a.SDP == "reject" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: robot rejected the offer (wrong token, or another client is connected)", ErrAuthentication)
	}
	if err := a.Validate(); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}, nil
}
