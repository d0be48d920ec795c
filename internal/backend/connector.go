package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ebalsamo/voxbridge/internal/reliability"
)

var (
	// ErrConnectFailed reports a backend that stayed unreachable through the
	// configured dial attempts.
	ErrConnectFailed = errors.New("backend connect failed")
	// ErrServiceTimeout reports a round trip that missed its reply deadline.
	ErrServiceTimeout = errors.New("backend service timeout")
	// ErrServiceFailure reports a transport fault mid round trip.
	ErrServiceFailure = errors.New("backend service failure")
)

// RetryPolicy bounds dialing. After a failed attempt i (0-based) the next
// one waits Delay*(i+1); the last failure is not followed by a wait.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Options configures one session's connector.
type Options struct {
	ASRURL         string
	TTSURL         string
	Retry          RetryPolicy
	ServiceTimeout time.Duration
}

// Connector owns one session's streaming links: at most one live ASR
// connection and one live TTS connection, each dialed lazily and reused
// across turns until a call invalidates it. Links are never shared between
// sessions, and the caller's serial turn processing is the only user, so no
// locking is needed.
type Connector struct {
	asr     *link
	tts     *link
	timeout time.Duration
}

func NewConnector(opts Options) *Connector {
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 3
	}
	if opts.Retry.Delay <= 0 {
		opts.Retry.Delay = time.Second
	}
	if opts.ServiceTimeout <= 0 {
		opts.ServiceTimeout = 30 * time.Second
	}
	return &Connector{
		asr:     &link{name: "asr", url: opts.ASRURL, retry: opts.Retry},
		tts:     &link{name: "tts", url: opts.TTSURL, retry: opts.Retry},
		timeout: opts.ServiceTimeout,
	}
}

// Transcribe sends one audio chunk to the ASR backend and waits for the
// correlated transcript.
func (c *Connector) Transcribe(ctx context.Context, audio []byte) (string, error) {
	reply, err := c.asr.roundTrip(ctx, websocket.BinaryMessage, audio, c.timeout)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// Synthesize sends text to the TTS backend and waits for the synthesized
// audio.
func (c *Connector) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return c.tts.roundTrip(ctx, websocket.TextMessage, []byte(text), c.timeout)
}

// Close releases both links. Each close is isolated so one failure never
// blocks the other.
func (c *Connector) Close() {
	c.asr.close()
	c.tts.close()
}

type link struct {
	name  string
	url   string
	retry RetryPolicy
	conn  *websocket.Conn
}

// ensure dials the backend unless a cached connection is live. Exhausting
// the attempt budget fails with ErrConnectFailed and leaves the link empty,
// so the next call starts a fresh attempt cycle.
func (l *link) ensure(ctx context.Context) error {
	if l.conn != nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < l.retry.Attempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err == nil {
			l.conn = conn
			log.Printf("backend %s connected: %s", l.name, l.url)
			return nil
		}
		lastErr = err
		log.Printf("backend %s dial attempt %d/%d failed: %v", l.name, attempt+1, l.retry.Attempts, err)

		if attempt == l.retry.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrConnectFailed, l.name, ctx.Err())
		case <-time.After(reliability.LinearBackoff(attempt, l.retry.Delay)):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, l.name, l.retry.Attempts, lastErr)
}

// roundTrip sends one message and awaits one correlated reply within
// timeout. Any failure mid-call invalidates the cached connection; the call
// itself is never retried.
func (l *link) roundTrip(ctx context.Context, messageType int, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(messageType, payload); err != nil {
		return nil, l.fail("send", err)
	}

	_ = l.conn.SetReadDeadline(deadline)
	_, reply, err := l.conn.ReadMessage()
	if err != nil {
		return nil, l.fail("recv", err)
	}
	return reply, nil
}

func (l *link) fail(op string, err error) error {
	l.close()
	if reliability.IsTimeout(err) {
		return fmt.Errorf("%w: %s %s: %v", ErrServiceTimeout, l.name, op, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrServiceFailure, l.name, op, err)
}

func (l *link) close() {
	if l.conn == nil {
		return
	}
	if err := l.conn.Close(); err != nil {
		log.Printf("backend %s close error: %v", l.name, err)
	}
	l.conn = nil
}
