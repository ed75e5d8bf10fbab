package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/roboverse/go2webrtc-rc/internal/udpproto"
)

// ErrInvalidConfig is returned for any configuration problem. It is always
// reported before sockets are opened or the robot is contacted.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	EnvRobotAddress = "GO2_IP"
	EnvToken        = "GO2_TOKEN"
	EnvVideoPort    = "GO2_VIDEO_PORT"
	EnvAudioPort    = "GO2_AUDIO_PORT"
	EnvDebug        = "GO2_DEBUG"

	envVarDestHost          = "GO2WEBRTC_DEST_HOST"
	envVarBindAddr          = "GO2WEBRTC_BIND_ADDR"
	envVarOutput            = "GO2WEBRTC_OUTPUT"
	envVarMaxDatagramBytes  = "GO2WEBRTC_MAX_DATAGRAM_BYTES"
	envVarWriteTimeout      = "GO2WEBRTC_WRITE_TIMEOUT"
	envVarSDPOut            = "GO2WEBRTC_SDP_OUT"
	envVarSignaling         = "GO2WEBRTC_SIGNALING"
	envVarSignalingTimeout  = "GO2WEBRTC_SIGNALING_TIMEOUT"
	envVarControlChannel    = "GO2WEBRTC_CONTROL_CHANNEL"
	envVarAudioEnabled      = "GO2WEBRTC_AUDIO"
	envVarHeartbeatInterval = "GO2WEBRTC_HEARTBEAT_INTERVAL"
	envVarICEGatherTimeout  = "GO2WEBRTC_ICE_GATHER_TIMEOUT"
	envVarNegotiation       = "GO2WEBRTC_NEGOTIATION_TIMEOUT"
	envVarTrackWait         = "GO2WEBRTC_TRACK_WAIT"
	envVarLivenessTimeout   = "GO2WEBRTC_LIVENESS_TIMEOUT"
	envVarReorderWindow     = "GO2WEBRTC_REORDER_WINDOW"
	envVarReorderDelay      = "GO2WEBRTC_REORDER_DELAY"
	envVarFrameTimeout      = "GO2WEBRTC_FRAME_TIMEOUT"
	envVarPLIPerSecond      = "GO2WEBRTC_PLI_PER_SECOND"
	envVarMaxAttempts       = "GO2WEBRTC_MAX_ATTEMPTS"
	envVarBackoffInitial    = "GO2WEBRTC_BACKOFF_INITIAL"
	envVarBackoffMax        = "GO2WEBRTC_BACKOFF_MAX"
	envVarHTTPAddr          = "GO2WEBRTC_HTTP_ADDR"
	envVarLogFormat         = "GO2WEBRTC_LOG_FORMAT"

	envVarWebRTCUDPPortMin  = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax  = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs  = "WEBRTC_NAT_1TO1_IPS"
)

const (
	DefaultVideoPort          uint16 = 4002
	DefaultAudioPort          uint16 = 4000
	DefaultDestHost                  = "127.0.0.1"
	DefaultBindAddr                  = "0.0.0.0"
	DefaultOutput                    = OutputFramed
	DefaultMaxDatagramBytes          = udpproto.DefaultMaxPayload
	DefaultWriteTimeout              = 100 * time.Millisecond
	DefaultSignaling                 = SignalingAuto
	DefaultSignalingTimeout          = 10 * time.Second
	DefaultHeartbeatInterval         = 2 * time.Second
	DefaultICEGatherTimeout          = 2 * time.Second
	DefaultNegotiationTimeout        = 30 * time.Second
	DefaultTrackWait                 = 3 * time.Second
	DefaultLivenessTimeout           = 10 * time.Second
	DefaultReorderWindow             = 128
	DefaultReorderDelay              = 50 * time.Millisecond
	DefaultFrameTimeout              = 500 * time.Millisecond
	DefaultPLIPerSecond              = 2
	DefaultMaxAttempts               = 3
	DefaultBackoffInitial            = time.Second
	DefaultBackoffMax                = 30 * time.Second
	DefaultWebRTCUDPListenIP         = "0.0.0.0"
	DefaultLogFormat                 = LogFormatText

	// maxUDPPayload is the largest payload an IPv4 UDP datagram can carry.
	maxUDPPayload = 65507
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// OutputFormat selects how frames are laid out on the relay sockets.
type OutputFormat string

const (
	// OutputFramed sends each frame as one or more udpproto chunks.
	OutputFramed OutputFormat = "framed"
	// OutputRTP sends the frame's RTP packets, one per datagram.
	OutputRTP OutputFormat = "rtp"
)

// SignalingMethod selects the robot signaling dialect.
type SignalingMethod string

const (
	SignalingAuto      SignalingMethod = "auto"
	SignalingEncrypted SignalingMethod = "encrypted"
	SignalingLegacy    SignalingMethod = "legacy"
	SignalingWebSocket SignalingMethod = "ws"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Config is the session configuration. It is not modified after Validate.
type Config struct {
	RobotAddress string
	Token        string
	VideoPort    uint16
	AudioPort    uint16
	// Debug only raises reporting verbosity.
	Debug bool

	DestHost         string
	BindAddr         string
	Output           OutputFormat
	MaxDatagramBytes int
	WriteTimeout     time.Duration
	SDPOut           string

	Signaling          SignalingMethod
	SignalingTimeout   time.Duration
	ControlChannel     bool
	AudioEnabled       bool
	HeartbeatInterval  time.Duration
	ICEGatherTimeout   time.Duration
	NegotiationTimeout time.Duration
	TrackWait          time.Duration
	LivenessTimeout    time.Duration

	ReorderWindow int
	ReorderDelay  time.Duration
	FrameTimeout  time.Duration
	PLIPerSecond  int

	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before the supervisor gives up.
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	ICEServers []webrtc.ICEServer
	// ICEConfigErr is set when the ICE server flags could not be parsed.
	ICEConfigErr error

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// picks ephemeral ports.
	WebRTCUDPPortRange *UDPPortRange
	WebRTCUDPListenIP  net.IP
	WebRTCNAT1To1IPs   []string

	HTTPAddr  string
	LogFormat LogFormat
	LogLevel  slog.Level
}

// New returns a configuration with every knob at its default.
func New(videoPort, audioPort uint16, robotAddress, token string, debug bool) Config {
	cfg := Config{
		RobotAddress: strings.TrimSpace(robotAddress),
		Token:        token,
		VideoPort:    videoPort,
		AudioPort:    audioPort,
		Debug:        debug,

		DestHost:         DefaultDestHost,
		BindAddr:         DefaultBindAddr,
		Output:           DefaultOutput,
		MaxDatagramBytes: DefaultMaxDatagramBytes,
		WriteTimeout:     DefaultWriteTimeout,

		Signaling:          DefaultSignaling,
		SignalingTimeout:   DefaultSignalingTimeout,
		ControlChannel:     true,
		AudioEnabled:       true,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		ICEGatherTimeout:   DefaultICEGatherTimeout,
		NegotiationTimeout: DefaultNegotiationTimeout,
		TrackWait:          DefaultTrackWait,
		LivenessTimeout:    DefaultLivenessTimeout,

		ReorderWindow: DefaultReorderWindow,
		ReorderDelay:  DefaultReorderDelay,
		FrameTimeout:  DefaultFrameTimeout,
		PLIPerSecond:  DefaultPLIPerSecond,

		MaxAttempts:    DefaultMaxAttempts,
		BackoffInitial: DefaultBackoffInitial,
		BackoffMax:     DefaultBackoffMax,

		WebRTCUDPListenIP: net.IPv4zero,

		LogFormat: DefaultLogFormat,
		LogLevel:  slog.LevelInfo,
	}
	if debug {
		cfg.LogLevel = slog.LevelDebug
	}
	return cfg
}

// Validate checks the configuration and returns an error wrapping
// ErrInvalidConfig describing the first problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RobotAddress) == "" {
		return invalid("robot address is required (--robot or %s)", EnvRobotAddress)
	}
	if c.VideoPort == 0 {
		return invalid("video port must be in range 1-65535")
	}
	if c.AudioPort == 0 {
		return invalid("audio port must be in range 1-65535")
	}
	if c.VideoPort == c.AudioPort {
		return invalid("video and audio ports collide (%d)", c.VideoPort)
	}
	if strings.TrimSpace(c.DestHost) == "" {
		return invalid("destination host must not be empty")
	}
	if c.BindAddr != "" && net.ParseIP(c.BindAddr) == nil {
		return invalid("bind address %q is not an IP address", c.BindAddr)
	}
	switch c.Output {
	case OutputFramed, OutputRTP:
	default:
		return invalid("unknown output format %q (expected framed or rtp)", c.Output)
	}
	if c.MaxDatagramBytes <= udpproto.HeaderLen || c.MaxDatagramBytes > maxUDPPayload {
		return invalid("max datagram bytes %d out of range (%d-%d)", c.MaxDatagramBytes, udpproto.HeaderLen+1, maxUDPPayload)
	}
	switch c.Signaling {
	case SignalingAuto, SignalingEncrypted, SignalingLegacy, SignalingWebSocket:
	default:
		return invalid("unknown signaling method %q (expected auto, encrypted, legacy or ws)", c.Signaling)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return invalid("unknown log format %q (expected text or json)", c.LogFormat)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"write timeout", c.WriteTimeout},
		{"signaling timeout", c.SignalingTimeout},
		{"heartbeat interval", c.HeartbeatInterval},
		{"ice gather timeout", c.ICEGatherTimeout},
		{"negotiation timeout", c.NegotiationTimeout},
		{"track wait", c.TrackWait},
		{"liveness timeout", c.LivenessTimeout},
		{"reorder delay", c.ReorderDelay},
		{"frame timeout", c.FrameTimeout},
		{"backoff initial", c.BackoffInitial},
		{"backoff max", c.BackoffMax},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return invalid("%s must be > 0 (got %s)", d.name, d.d)
		}
	}
	if c.BackoffMax < c.BackoffInitial {
		return invalid("backoff max %s is below backoff initial %s", c.BackoffMax, c.BackoffInitial)
	}
	if c.ReorderWindow <= 0 || c.ReorderWindow > 1<<15 {
		return invalid("reorder window %d out of range (1-32768)", c.ReorderWindow)
	}
	if c.PLIPerSecond < 0 {
		return invalid("pli per second must be >= 0")
	}
	if c.MaxAttempts <= 0 {
		return invalid("max attempts must be > 0")
	}
	if c.ICEConfigErr != nil {
		return invalid("ice servers: %v", c.ICEConfigErr)
	}
	if r := c.WebRTCUDPPortRange; r != nil && (r.Min == 0 || r.Max < r.Min) {
		return invalid("webrtc udp port range %d-%d is invalid", r.Min, r.Max)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Flags carries the raw flag values bound to a pflag.FlagSet. Call Config
// after the set has been parsed.
type Flags struct {
	cfg Config

	output     string
	signaling  string
	logFormat  string
	ice        iceFlags
	portMin    uint
	portMax    uint
	listenIP   string
	nat1To1IPs string
}

// RegisterFlags binds every option to fs. Environment values (looked up with
// lookup) become the flag defaults, so flags take precedence over the
// environment.
func RegisterFlags(fs *pflag.FlagSet, lookup func(string) (string, bool)) (*Flags, error) {
	f := &Flags{cfg: New(DefaultVideoPort, DefaultAudioPort, "", "", false)}
	c := &f.cfg
	var err error

	c.RobotAddress = envOrDefault(lookup, EnvRobotAddress, "")
	c.Token = envOrDefault(lookup, EnvToken, "")
	if c.VideoPort, err = envPortOrDefault(lookup, EnvVideoPort, c.VideoPort); err != nil {
		return nil, err
	}
	if c.AudioPort, err = envPortOrDefault(lookup, EnvAudioPort, c.AudioPort); err != nil {
		return nil, err
	}
	if c.Debug, err = envBoolOrDefault(lookup, EnvDebug, c.Debug); err != nil {
		return nil, err
	}

	c.DestHost = envOrDefault(lookup, envVarDestHost, c.DestHost)
	c.BindAddr = envOrDefault(lookup, envVarBindAddr, c.BindAddr)
	f.output = envOrDefault(lookup, envVarOutput, string(c.Output))
	if c.MaxDatagramBytes, err = envIntOrDefault(lookup, envVarMaxDatagramBytes, c.MaxDatagramBytes); err != nil {
		return nil, err
	}
	c.SDPOut = envOrDefault(lookup, envVarSDPOut, "")
	f.signaling = envOrDefault(lookup, envVarSignaling, string(c.Signaling))
	if c.ControlChannel, err = envBoolOrDefault(lookup, envVarControlChannel, c.ControlChannel); err != nil {
		return nil, err
	}
	if c.AudioEnabled, err = envBoolOrDefault(lookup, envVarAudioEnabled, c.AudioEnabled); err != nil {
		return nil, err
	}
	if c.ReorderWindow, err = envIntOrDefault(lookup, envVarReorderWindow, c.ReorderWindow); err != nil {
		return nil, err
	}
	if c.PLIPerSecond, err = envIntOrDefault(lookup, envVarPLIPerSecond, c.PLIPerSecond); err != nil {
		return nil, err
	}
	if c.MaxAttempts, err = envIntOrDefault(lookup, envVarMaxAttempts, c.MaxAttempts); err != nil {
		return nil, err
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envVarWriteTimeout, &c.WriteTimeout},
		{envVarSignalingTimeout, &c.SignalingTimeout},
		{envVarHeartbeatInterval, &c.HeartbeatInterval},
		{envVarICEGatherTimeout, &c.ICEGatherTimeout},
		{envVarNegotiation, &c.NegotiationTimeout},
		{envVarTrackWait, &c.TrackWait},
		{envVarLivenessTimeout, &c.LivenessTimeout},
		{envVarReorderDelay, &c.ReorderDelay},
		{envVarFrameTimeout, &c.FrameTimeout},
		{envVarBackoffInitial, &c.BackoffInitial},
		{envVarBackoffMax, &c.BackoffMax},
	}
	for _, d := range durations {
		if *d.dst, err = envDurationOrDefault(lookup, d.env, *d.dst); err != nil {
			return nil, err
		}
	}

	f.ice.fromEnv(lookup)

	portMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return nil, err
	}
	portMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return nil, err
	}
	f.portMin, f.portMax = uint(max(portMin, 0)), uint(max(portMax, 0))
	f.listenIP = envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	f.nat1To1IPs = envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")

	c.HTTPAddr = envOrDefault(lookup, envVarHTTPAddr, "")
	f.logFormat = envOrDefault(lookup, envVarLogFormat, string(c.LogFormat))

	fs.Uint16VarP(&c.VideoPort, "video", "v", c.VideoPort, "UDP port receiving the video stream (env "+EnvVideoPort+")")
	fs.Uint16VarP(&c.AudioPort, "audio", "a", c.AudioPort, "UDP port receiving the audio stream (env "+EnvAudioPort+")")
	fs.StringVarP(&c.RobotAddress, "robot", "r", c.RobotAddress, "Robot IP address or hostname (env "+EnvRobotAddress+")")
	fs.StringVarP(&c.Token, "token", "t", c.Token, "Robot access token (env "+EnvToken+")")
	fs.BoolVarP(&c.Debug, "debug", "d", c.Debug, "Verbose reporting of state transitions and dropped frames (env "+EnvDebug+")")

	fs.StringVar(&c.DestHost, "dest-host", c.DestHost, "Host the UDP streams are sent to; may be a broadcast address (env "+envVarDestHost+")")
	fs.StringVar(&c.BindAddr, "bind-addr", c.BindAddr, "Local IP the relay sockets bind to (env "+envVarBindAddr+")")
	fs.StringVar(&f.output, "output", f.output, "Datagram layout: framed or rtp (env "+envVarOutput+")")
	fs.IntVar(&c.MaxDatagramBytes, "max-datagram-bytes", c.MaxDatagramBytes, "Max bytes per relay datagram (env "+envVarMaxDatagramBytes+")")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "Relay socket write deadline (env "+envVarWriteTimeout+")")
	fs.StringVar(&c.SDPOut, "sdp-out", c.SDPOut, "Write an SDP file describing the RTP output to this path (env "+envVarSDPOut+")")

	fs.StringVar(&f.signaling, "signaling", f.signaling, "Signaling method: auto, encrypted, legacy or ws (env "+envVarSignaling+")")
	fs.DurationVar(&c.SignalingTimeout, "signaling-timeout", c.SignalingTimeout, "Max time for one signaling exchange (env "+envVarSignalingTimeout+")")
	fs.BoolVar(&c.ControlChannel, "control-channel", c.ControlChannel, "Run the robot's data channel validation and stream enable handshake (env "+envVarControlChannel+")")
	fs.BoolVar(&c.AudioEnabled, "audio-enabled", c.AudioEnabled, "Ask the robot for its audio stream (env "+envVarAudioEnabled+")")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "Control channel heartbeat interval (env "+envVarHeartbeatInterval+")")
	fs.DurationVar(&c.ICEGatherTimeout, "ice-gather-timeout", c.ICEGatherTimeout, "Max time to wait for ICE gathering on non-trickle signaling (env "+envVarICEGatherTimeout+")")
	fs.DurationVar(&c.NegotiationTimeout, "negotiation-timeout", c.NegotiationTimeout, "Max time for ICE/DTLS to connect (env "+envVarNegotiation+")")
	fs.DurationVar(&c.TrackWait, "track-wait", c.TrackWait, "Max time to wait for the robot's tracks after connecting (env "+envVarTrackWait+")")
	fs.DurationVar(&c.LivenessTimeout, "liveness-timeout", c.LivenessTimeout, "Reconnect when no video packet arrives for this long (env "+envVarLivenessTimeout+")")

	fs.IntVar(&c.ReorderWindow, "reorder-window", c.ReorderWindow, "RTP reorder window in packets (env "+envVarReorderWindow+")")
	fs.DurationVar(&c.ReorderDelay, "reorder-delay", c.ReorderDelay, "Max time a packet waits for a gap to fill (env "+envVarReorderDelay+")")
	fs.DurationVar(&c.FrameTimeout, "frame-timeout", c.FrameTimeout, "Drop frames that do not complete within this duration (env "+envVarFrameTimeout+")")
	fs.IntVar(&c.PLIPerSecond, "pli-per-second", c.PLIPerSecond, "Max keyframe requests per second (0 = never; env "+envVarPLIPerSecond+")")

	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Consecutive failed connection attempts before giving up (env "+envVarMaxAttempts+")")
	fs.DurationVar(&c.BackoffInitial, "backoff-initial", c.BackoffInitial, "First reconnection delay (env "+envVarBackoffInitial+")")
	fs.DurationVar(&c.BackoffMax, "backoff-max", c.BackoffMax, "Reconnection delay cap (env "+envVarBackoffMax+")")

	fs.StringVar(&f.ice.serversJSON, "ice-servers-json", f.ice.serversJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&f.ice.stunURLs, "stun-urls", f.ice.stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&f.ice.turnURLs, "turn-urls", f.ice.turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&f.ice.turnUsername, "turn-username", f.ice.turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&f.ice.turnCredential, "turn-credential", f.ice.turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.UintVar(&f.portMin, "webrtc-udp-port-min", f.portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&f.portMax, "webrtc-udp-port-max", f.portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&f.listenIP, "webrtc-udp-listen-ip", f.listenIP, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&f.nat1To1IPs, "webrtc-nat-1to1-ips", f.nat1To1IPs, "Comma-separated IPs to advertise as host candidates (env "+envVarWebRTCNAT1To1IPs+")")

	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "Status/metrics HTTP listen address; empty disables it (env "+envVarHTTPAddr+")")
	fs.StringVar(&f.logFormat, "log-format", f.logFormat, "Log format: text or json (env "+envVarLogFormat+")")

	return f, nil
}

// Config resolves the parsed flag values into a validated Config.
func (f *Flags) Config() (Config, error) {
	cfg := f.cfg
	cfg.RobotAddress = strings.TrimSpace(cfg.RobotAddress)
	cfg.DestHost = strings.TrimSpace(cfg.DestHost)
	cfg.Output = OutputFormat(strings.ToLower(strings.TrimSpace(f.output)))
	cfg.Signaling = SignalingMethod(strings.ToLower(strings.TrimSpace(f.signaling)))
	cfg.LogFormat = LogFormat(strings.ToLower(strings.TrimSpace(f.logFormat)))
	cfg.LogLevel = slog.LevelInfo
	if cfg.Debug {
		cfg.LogLevel = slog.LevelDebug
	}

	cfg.ICEServers, cfg.ICEConfigErr = f.ice.servers()

	switch {
	case f.portMin == 0 && f.portMax == 0:
	case f.portMin == 0 || f.portMax == 0:
		return Config{}, invalid("both %s and %s must be set", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	default:
		min, err := parsePortUint(f.portMin)
		if err != nil {
			return Config{}, invalid("%s: %v", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(f.portMax)
		if err != nil {
			return Config{}, invalid("%s: %v", envVarWebRTCUDPPortMax, err)
		}
		cfg.WebRTCUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	cfg.WebRTCUDPListenIP = net.ParseIP(strings.TrimSpace(f.listenIP))
	if cfg.WebRTCUDPListenIP == nil {
		return Config{}, invalid("invalid %s %q", envVarWebRTCUDPListenIP, f.listenIP)
	}
	if strings.TrimSpace(f.nat1To1IPs) != "" {
		ips, err := parseIPList(f.nat1To1IPs)
		if err != nil {
			return Config{}, invalid("%s: %v", envVarWebRTCNAT1To1IPs, err)
		}
		cfg.WebRTCNAT1To1IPs = ips
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load parses args against the process environment.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := pflag.NewFlagSet("go2webrtc-rc", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	f, err := RegisterFlags(fs, lookup)
	if err != nil {
		return Config{}, err
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return f.Config()
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// IsUnspecifiedIP reports whether ip is nil, 0.0.0.0 or ::.
func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalid("invalid %s %q: %v", key, raw, err)
	}
	return n, nil
}

func envPortOrDefault(lookup func(string) (string, bool), key string, fallback uint16) (uint16, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	p, err := parsePortString(raw)
	if err != nil {
		return 0, invalid("%s: %v", key, err)
	}
	return p, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, invalid("invalid %s %q: %v", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalid("invalid %s %q: %v", key, raw, err)
	}
	return d, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
