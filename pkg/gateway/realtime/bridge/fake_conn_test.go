package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/credential"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/pool"
)

type fakeConn struct {
	mu       sync.Mutex
	writes   []frame
	closes   []closeRequest
	closed   bool
	closedCh chan struct{}
	inbound  chan readEvent
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		closedCh: make(chan struct{}),
		inbound:  make(chan readEvent, 64),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case ev := <-c.inbound:
		if ev.err != nil {
			return 0, nil, ev.err
		}
		return ev.frame.messageType, ev.frame.data, nil
	case <-c.closedCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, frame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if messageType != websocket.CloseMessage {
		return nil
	}
	req := closeRequest{code: websocket.CloseNoStatusReceived}
	if len(data) >= 2 {
		req.code = int(binary.BigEndian.Uint16(data[:2]))
		req.reason = string(data[2:])
	}
	c.closes = append(c.closes, req)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) send(mt int, data string) {
	c.inbound <- readEvent{frame: frame{messageType: mt, data: []byte(data)}}
}

func (c *fakeConn) peerClose(code int, text string) {
	c.inbound <- readEvent{err: &websocket.CloseError{Code: code, Text: text}}
}

func (c *fakeConn) snapshot() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.writes...)
}

func (c *fakeConn) closeFrames() []closeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeRequest(nil), c.closes...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func keepaliveCount(frames []frame) int {
	n := 0
	for _, f := range frames {
		if eventType(f) == KeepaliveType {
			n++
		}
	}
	return n
}

func nonKeepalive(frames []frame) []frame {
	var out []frame
	for _, f := range frames {
		if eventType(f) != KeepaliveType {
			out = append(out, f)
		}
	}
	return out
}

type acquirerFunc func(ctx context.Context) (credential.Credential, pool.Source, error)

func (f acquirerFunc) Acquire(ctx context.Context) (credential.Credential, pool.Source, error) {
	return f(ctx)
}

type gateFunc func(string) bool

func (f gateFunc) Allowed(origin string) bool { return f(origin) }

func testCredential() credential.Credential {
	return credential.Credential{Token: "ek_test", ExpiresAt: time.Now().Add(time.Minute), ModelID: "gpt-realtime"}
}

func staticAcquirer() Acquirer {
	return acquirerFunc(func(context.Context) (credential.Credential, pool.Source, error) {
		return testCredential(), pool.SourcePool, nil
	})
}

func staticDialer(up Conn) Dialer {
	return DialerFunc(func(context.Context, credential.Credential, string) (Conn, error) {
		return up, nil
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, deps Dependencies) *Bridge {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.ID == "" {
		deps.ID = "test-session"
	}
	if deps.Config.KeepaliveInterval == 0 {
		deps.Config.KeepaliveInterval = 5 * time.Millisecond
	}
	b, err := New(deps)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return b
}

func runAsync(ctx context.Context, b *Bridge) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("bridge did not finish")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
