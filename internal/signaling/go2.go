package signaling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/roboverse/go2webrtc-rc/internal/go2crypto"
	"github.com/roboverse/go2webrtc-rc/internal/metrics"
)

const maxResponseBytes = 1 << 20

// errEndpointMissing marks an encrypted exchange the robot does not serve,
// which sends the auto method to the legacy port.
var errEndpointMissing = errors.New("signaling: endpoint not found")

// httpChannel implements the non-trickle Go2 HTTP exchanges.
type httpChannel struct {
	opts Options
	log  *slog.Logger
}

func newHTTPChannel(opts Options) *httpChannel {
	return &httpChannel{opts: opts, log: opts.Logger.With("method", string(opts.Method))}
}

func (c *httpChannel) Trickle() bool { return false }

func (c *httpChannel) SendCandidate(context.Context, webrtc.ICECandidateInit) error { return nil }

func (c *httpChannel) Candidates() <-chan webrtc.ICECandidateInit { return nil }

func (c *httpChannel) Close() error { return nil }

func (c *httpChannel) Offer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req := offerRequest{ID: clientID, SDP: offer.SDP, Type: offer.Type.String(), Token: c.opts.Token}
	if err := req.Validate(); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}

	switch c.opts.Method {
	case MethodEncrypted:
		return c.encrypted(ctx, req)
	case MethodLegacy:
		return c.legacy(ctx, req)
	}

	ans, err := c.encrypted(ctx, req)
	if err == nil || !fallsBackToLegacy(err) {
		return ans, err
	}
	c.log.Info("encrypted signaling unavailable, trying legacy port", "err", err)
	c.opts.Metrics.Inc(metrics.SignalingFallbacks)
	return c.legacy(ctx, req)
}

func fallsBackToLegacy(err error) bool {
	return errors.Is(err, errEndpointMissing) || errors.Is(err, ErrNetworkUnreachable)
}

func (c *httpChannel) baseURL(port int) string {
	return "http://" + net.JoinHostPort(c.opts.Address, strconv.Itoa(port))
}

// encrypted runs the con_notify / con_ing exchange of current firmware.
func (c *httpChannel) encrypted(ctx context.Context, req offerRequest) (webrtc.SessionDescription, error) {
	base := c.baseURL(c.opts.EncryptedPort)

	body, err := c.post(ctx, base+"/con_notify", "", nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: con_notify body is not base64: %v", ErrSignalingProtocol, err)
	}
	var notify notifyResponse
	if err := json.Unmarshal(decoded, &notify); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: con_notify body: %v", ErrSignalingProtocol, err)
	}
	if err := notify.Validate(); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}
	if notify.Data2 == 2 {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: robot requested an unsupported key exchange (data2=2)", ErrSignalingProtocol)
	}

	pub, err := go2crypto.ParsePublicKey(notify.Data1[10 : len(notify.Data1)-10])
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}
	suffix, err := go2crypto.PathSuffix(notify.Data1)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}

	aesKey := go2crypto.NewAESKey()
	plain, err := json.Marshal(req)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	data1, err := go2crypto.AESEncrypt(plain, aesKey)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	data2, err := go2crypto.RSAEncrypt([]byte(aesKey), pub)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}
	payload, err := json.Marshal(exchangeRequest{Data1: data1, Data2: data2})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	body, err = c.post(ctx, base+"/con_ing_"+suffix, "application/x-www-form-urlencoded", payload)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	plainAnswer, err := go2crypto.AESDecrypt(string(body), aesKey)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: decrypt answer: %v", ErrSignalingProtocol, err)
	}
	return decodeAnswer(plainAnswer)
}

// legacy posts the offer in the clear, as older firmware expects.
func (c *httpChannel) legacy(ctx context.Context, req offerRequest) (webrtc.SessionDescription, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	body, err := c.post(ctx, c.baseURL(c.opts.LegacyPort)+"/offer", "application/json", payload)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return decodeAnswer(body)
}

func decodeAnswer(body []byte) (webrtc.SessionDescription, error) {
	var a answer
	if err := json.Unmarshal(body, &a); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: answer body: %v", ErrSignalingProtocol, err)
	}
	return checkAnswer(a)
}

func (c *httpChannel) post(ctx context.Context, url, contentType string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, classifyTransportErr("POST "+url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportErr("read "+url, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s returned %s", ErrAuthentication, url, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %w: %s", ErrSignalingProtocol, errEndpointMissing, url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s returned %s", ErrSignalingProtocol, url, resp.Status)
	}
	c.log.Debug("signaling response", "url", url, "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}
