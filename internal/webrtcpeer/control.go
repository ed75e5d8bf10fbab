package webrtcpeer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/go2crypto"
	"github.com/roboverse/go2webrtc-rc/internal/metrics"
)

// ControlLabel is the label of the robot's control DataChannel.
const ControlLabel = "data"

const validationOK = "Validation Ok."

// ControlMessage is the envelope of every message on the control channel.
type ControlMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (m ControlMessage) dataString() string {
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return ""
	}
	return s
}

func stringMessage(typ, data string) ControlMessage {
	raw, _ := json.Marshal(data)
	return ControlMessage{Type: typ, Data: raw}
}

type heartbeat struct {
	TimeInStamp int64  `json:"timeInStamp"`
	TimeInStr   string `json:"timeInStr"`
}

// Control runs the robot's validation handshake on the "data" channel and,
// once validated, switches the media streams on and keeps the session alive
// with heartbeats.
type Control struct {
	dc        *webrtc.DataChannel
	log       *slog.Logger
	metrics   *metrics.Metrics
	audio     bool
	heartbeat time.Duration

	validatedOnce sync.Once
	validated     chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newControl(dc *webrtc.DataChannel, audio bool, heartbeat time.Duration, log *slog.Logger, m *metrics.Metrics) (*Control, error) {
	if dc.Label() != ControlLabel {
		return nil, fmt.Errorf("expected label=%q (got %q)", ControlLabel, dc.Label())
	}
	c := &Control{
		dc:        dc,
		log:       log.With("channel", ControlLabel),
		metrics:   m,
		audio:     audio,
		heartbeat: heartbeat,
		validated: make(chan struct{}),
		done:      make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			// Binary frames carry LiDAR and audio payloads nobody consumes here.
			return
		}
		c.handle(msg.Data)
	})
	dc.OnClose(c.Close)
	return c, nil
}

// Validated is closed once the robot accepts the validation response.
func (c *Control) Validated() <-chan struct{} { return c.validated }

func (c *Control) Send(msg ControlMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.dc.SendText(string(b))
}

func (c *Control) handle(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring malformed control message", "err", err)
		return
	}
	c.metrics.Inc(metrics.ControlMessagesRecv)

	switch msg.Type {
	case "validation":
		key := msg.dataString()
		if key == validationOK {
			c.validatedOnce.Do(c.onValidated)
			return
		}
		if err := c.Send(stringMessage("validation", go2crypto.ValidationResponse(key))); err != nil {
			c.log.Warn("send validation response", "err", err)
		}
	case "heartbeat":
	case "errors", "add_error", "err":
		c.log.Warn("robot reported error", "type", msg.Type, "data", string(msg.Data))
	default:
		c.log.Debug("control message", "type", msg.Type, "topic", msg.Topic)
	}
}

func (c *Control) onValidated() {
	c.log.Info("control channel validated")
	close(c.validated)

	if err := c.Send(stringMessage("vid", "on")); err != nil {
		c.log.Warn("enable video", "err", err)
	}
	if c.audio {
		if err := c.Send(stringMessage("aud", "on")); err != nil {
			c.log.Warn("enable audio", "err", err)
		}
	}
	if c.heartbeat > 0 {
		go c.heartbeatLoop()
	}
}

func (c *Control) heartbeatLoop() {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			raw, _ := json.Marshal(heartbeat{
				TimeInStamp: now.UnixMilli(),
				TimeInStr:   now.Format(time.DateTime),
			})
			if err := c.Send(ControlMessage{Type: "heartbeat", Data: raw}); err != nil {
				c.log.Debug("heartbeat", "err", err)
			}
		}
	}
}

func (c *Control) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
