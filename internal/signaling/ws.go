package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	wsWriteWait      = 5 * time.Second
	wsMaxMessageSize = 64 * 1024
	wsCandidateQueue = 64
)

// wsChannel speaks the JSON trickle protocol: auth, offer, then candidates in
// both directions until one side closes.
type wsChannel struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	answers    chan signalMessage
	candidates chan webrtc.ICECandidateInit

	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	readErr error
}

func dialWS(ctx context.Context, opts Options) (*wsChannel, error) {
	// Gateways usually listen on a non-default port, so the address may
	// carry one.
	u := url.URL{Scheme: "ws", Host: opts.Address, Path: opts.WSPath}

	dialer := websocket.Dialer{HandshakeTimeout: opts.Timeout}
	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: websocket upgrade returned %s", ErrAuthentication, resp.Status)
			}
			return nil, fmt.Errorf("%w: websocket upgrade returned %s", ErrSignalingProtocol, resp.Status)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportErr("dial "+u.String(), err)
	}
	conn.SetReadLimit(wsMaxMessageSize)

	c := &wsChannel{
		conn:       conn,
		log:        opts.Logger.With("method", string(MethodWebSocket)),
		answers:    make(chan signalMessage, 1),
		candidates: make(chan webrtc.ICECandidateInit, wsCandidateQueue),
		done:       make(chan struct{}),
	}
	go c.readLoop()

	if err := c.send(signalMessage{Type: messageTypeAuth, Token: opts.Token}); err != nil {
		_ = c.Close()
		return nil, classifyTransportErr("send auth", err)
	}
	return c, nil
}

func (c *wsChannel) Trickle() bool { return true }

func (c *wsChannel) Candidates() <-chan webrtc.ICECandidateInit { return c.candidates }

func (c *wsChannel) Offer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	msg := offerMessage(offer)
	if err := c.send(msg); err != nil {
		// A robot that refused auth closes right after its error message;
		// prefer that error over the broken write.
		select {
		case <-c.done:
			return webrtc.SessionDescription{}, c.err()
		case <-time.After(time.Second):
			return webrtc.SessionDescription{}, classifyTransportErr("send offer", err)
		}
	}

	select {
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	case <-c.done:
		return webrtc.SessionDescription{}, c.err()
	case ans := <-c.answers:
		return checkAnswer(answer{SDP: ans.SDP.SDP, Type: ans.SDP.Type})
	}
}

func (c *wsChannel) SendCandidate(_ context.Context, init webrtc.ICECandidateInit) error {
	if err := c.send(candidateMessage(init)); err != nil {
		return classifyTransportErr("send candidate", err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.send(signalMessage{Type: messageTypeClose})
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) send(msg signalMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsChannel) readLoop() {
	defer close(c.done)
	defer close(c.candidates)

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				c.setErr(fmt.Errorf("%w: signaling channel closed", ErrSignalingProtocol))
			} else {
				c.setErr(classifyTransportErr("read", err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		msg, err := parseSignalMessage(data)
		if err != nil {
			c.setErr(fmt.Errorf("%w: %v", ErrSignalingProtocol, err))
			return
		}

		switch msg.Type {
		case messageTypeAnswer:
			select {
			case c.answers <- msg:
			default:
				c.log.Warn("ignoring duplicate answer")
			}
		case messageTypeCandidate:
			select {
			case c.candidates <- *msg.Candidate:
			default:
				c.log.Warn("dropping remote candidate, queue full")
			}
		case messageTypeError:
			c.setErr(remoteError(msg))
			return
		case messageTypeClose:
			c.setErr(fmt.Errorf("%w: robot closed signaling", ErrSignalingProtocol))
			return
		default:
			c.log.Debug("ignoring signaling message", "type", msg.Type)
		}
	}
}

func remoteError(msg signalMessage) error {
	switch msg.Code {
	case "unauthorized", "forbidden":
		return fmt.Errorf("%w: %s", ErrAuthentication, msg.Message)
	}
	return fmt.Errorf("%w: %s: %s", ErrSignalingProtocol, msg.Code, msg.Message)
}

func (c *wsChannel) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

func (c *wsChannel) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return fmt.Errorf("%w: signaling channel closed", ErrSignalingProtocol)
	}
	return c.readErr
}
