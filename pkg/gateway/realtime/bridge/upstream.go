package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/credential"
)

const (
	// DefaultUpstreamURL is the realtime websocket endpoint.
	DefaultUpstreamURL = "wss://api.openai.com/v1/realtime"

	subprotocolRealtime = "realtime"
	subprotocolAPIKey   = "openai-insecure-api-key."
	subprotocolBeta     = "openai-beta.realtime-v1"
)

// Dialer opens the upstream leg of a bridge.
type Dialer interface {
	Dial(ctx context.Context, cred credential.Credential, model string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cred credential.Credential, model string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, cred credential.Credential, model string) (Conn, error) {
	return f(ctx, cred, model)
}

// WebsocketDialer dials the upstream realtime endpoint, authenticating with
// the ephemeral token carried in the websocket subprotocol list.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, cred credential.Credential, model string) (Conn, error) {
	target, err := upstreamURL(d.URL, model)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     upstreamSubprotocols(cred.Token),
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 45 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redactQuery(target), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redactQuery(target), err)
	}
	return conn, nil
}

func upstreamURL(raw, model string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultUpstreamURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func upstreamSubprotocols(token string) []string {
	return []string{subprotocolRealtime, subprotocolAPIKey + token, subprotocolBeta}
}

func redactQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
