package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ebalsamo/voxbridge/internal/backend"
	"github.com/ebalsamo/voxbridge/internal/config"
	"github.com/ebalsamo/voxbridge/internal/observability"
	"github.com/ebalsamo/voxbridge/internal/protocol"
	"github.com/ebalsamo/voxbridge/internal/session"
	"github.com/ebalsamo/voxbridge/internal/transcript"
)

// recordingStore captures saved transcript entries for assertions.
type recordingStore struct {
	mu      sync.Mutex
	entries []transcript.Entry
}

func (s *recordingStore) Save(_ context.Context, entry transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingStore) Recent(context.Context, string, int) ([]transcript.Entry, error) {
	return nil, nil
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) all() []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Entry(nil), s.entries...)
}

type testEnv struct {
	gw          *Gateway
	registry    *session.Registry
	metrics     *observability.Metrics
	ts          *httptest.Server
	failASR     atomic.Bool
	asrDials    atomic.Int64
	transcripts *recordingStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{transcripts: &recordingStore{}}
	upgrader := websocket.Upgrader{}

	asr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.asrDials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if env.failASR.Load() {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("what time is it")); err != nil {
				return
			}
		}
	}))
	t.Cleanup(asr.Close)

	tts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xAA, 0xBB, 0xCC}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(tts.Close)

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "it is noon"})
	}))
	t.Cleanup(llm.Close)

	cfg := config.Config{
		ASRURL:            "ws" + strings.TrimPrefix(asr.URL, "http"),
		TTSURL:            "ws" + strings.TrimPrefix(tts.URL, "http"),
		LLMAPIURL:         llm.URL,
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
		ServiceTimeout:    2 * time.Second,
		ReceiveTimeout:    500 * time.Millisecond,
		SessionTimeout:    time.Minute,
		CompletionWorkers: 2,
	}

	env.registry = session.NewRegistry(cfg.SessionTimeout)
	env.metrics = observability.NewMetrics(fmt.Sprintf("test_gateway_%d", time.Now().UnixNano()))
	completion := backend.NewCompletionClient(cfg.LLMAPIURL, "", cfg.ServiceTimeout)
	env.gw = New(cfg, env.registry, completion, env.metrics, env.transcripts, nil)
	t.Cleanup(env.gw.Close)

	env.ts = httptest.NewServer(http.HandlerFunc(env.gw.HandleWS))
	t.Cleanup(env.ts.Close)
	return env
}

func clientHeaders() http.Header {
	return http.Header{
		"Authorization":    {"Bearer test-token"},
		"Device-Id":        {"device-1"},
		"Protocol-Version": {"3"},
	}
}

// turnMessage is one observed reply: either a decoded control message or a
// binary audio blob.
type turnMessage struct {
	control map[string]any
	binary  []byte
}

// client reads on a dedicated goroutine so "nothing arrived yet" can be
// asserted without poisoning the connection with a read deadline.
type client struct {
	conn *websocket.Conn
	msgs chan turnMessage
	errs chan error
}

func (env *testEnv) dial(t *testing.T, headers http.Header) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	if err != nil {
		t.Fatalf("client dial error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &client{
		conn: conn,
		msgs: make(chan turnMessage, 32),
		errs: make(chan error, 1),
	}
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				c.errs <- err
				return
			}
			if msgType == websocket.BinaryMessage {
				c.msgs <- turnMessage{binary: data}
				continue
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				c.errs <- fmt.Errorf("invalid JSON from gateway: %w", err)
				return
			}
			c.msgs <- turnMessage{control: m}
		}
	}()
	return c
}

func (c *client) write(t *testing.T, msgType int, data []byte) {
	t.Helper()
	if err := c.conn.WriteMessage(msgType, data); err != nil {
		t.Fatalf("client write error = %v", err)
	}
}

func (c *client) read(t *testing.T, n int) []turnMessage {
	t.Helper()
	out := make([]turnMessage, 0, n)
	for len(out) < n {
		select {
		case m := <-c.msgs:
			out = append(out, m)
		case err := <-c.errs:
			t.Fatalf("client read error after %d messages: %v", len(out), err)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func (c *client) expectSilence(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-c.msgs:
		t.Fatalf("unexpected message from gateway: %+v", m)
	case err := <-c.errs:
		t.Fatalf("unexpected connection error: %v", err)
	case <-time.After(wait):
	}
}

func (c *client) expectClose(t *testing.T, code int) {
	t.Helper()
	select {
	case m := <-c.msgs:
		t.Fatalf("got message %+v, want close %d", m, code)
	case err := <-c.errs:
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("close error = %v, want code %d", err, code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close %d", code)
	}
}

func audioFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	wire, err := protocol.EncodeFrame(protocol.FrameAudio, payload)
	if err != nil {
		t.Fatalf("EncodeFrame error = %v", err)
	}
	return wire
}

func assertTurnSequence(t *testing.T, msgs []turnMessage, wantText, wantReply string) {
	t.Helper()
	if got := msgs[0].control["type"]; got != "stt" {
		t.Fatalf("message 0 type = %v, want stt", got)
	}
	if got := msgs[0].control["text"]; got != wantText {
		t.Fatalf("stt text = %v, want %q", got, wantText)
	}
	if got, st := msgs[1].control["type"], msgs[1].control["state"]; got != "tts" || st != "start" {
		t.Fatalf("message 1 = %v/%v, want tts/start", got, st)
	}
	if sr := msgs[1].control["sample_rate"]; sr != float64(16000) {
		t.Fatalf("tts start sample_rate = %v, want 16000", sr)
	}
	if st := msgs[2].control["state"]; st != "sentence_start" {
		t.Fatalf("message 2 state = %v, want sentence_start", st)
	}
	if txt := msgs[2].control["text"]; txt != wantReply {
		t.Fatalf("sentence_start text = %v, want %q", txt, wantReply)
	}
	if msgs[3].binary == nil {
		t.Fatalf("message 3 should be raw binary audio, got %+v", msgs[3].control)
	}
	if st := msgs[4].control["state"]; st != "sentence_end" {
		t.Fatalf("message 4 state = %v, want sentence_end", st)
	}
	if st := msgs[5].control["state"]; st != "stop" {
		t.Fatalf("message 5 state = %v, want stop", st)
	}
}

func TestHandshakeRejected(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name    string
		headers http.Header
	}{
		{"missing authorization", http.Header{"Device-Id": {"d"}, "Protocol-Version": {"3"}}},
		{"bad authorization format", http.Header{"Authorization": {"token"}, "Device-Id": {"d"}, "Protocol-Version": {"3"}}},
		{"missing device id", http.Header{"Authorization": {"Bearer t"}, "Protocol-Version": {"3"}}},
		{"unsupported protocol version", http.Header{"Authorization": {"Bearer t"}, "Device-Id": {"d"}, "Protocol-Version": {"2"}}},
		{"missing protocol version", http.Header{"Authorization": {"Bearer t"}, "Device-Id": {"d"}}},
	}

	for _, tc := range cases {
		c := env.dial(t, tc.headers)
		c.expectClose(t, websocket.ClosePolicyViolation)
	}

	if got := env.registry.Count(); got != 0 {
		t.Fatalf("registry count = %d after rejected handshakes, want 0", got)
	}
}

func TestHelloThenListeningNeedsNoReply(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	hello := `{"type":"hello","response_mode":"auto","audio_params":{"format":"opus","sample_rate":16000,"channels":1}}`
	c.write(t, websocket.TextMessage, []byte(hello))
	c.write(t, websocket.TextMessage, []byte(`{"type":"state","state":"listening"}`))

	c.expectSilence(t, 300*time.Millisecond)
}

func TestAudioTurnEmitsOrderedSequence(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	// Header 00 00 00 05 followed by 5 payload bytes.
	c.write(t, websocket.BinaryMessage, audioFrame(t, []byte{1, 2, 3, 4, 5}))

	msgs := c.read(t, 6)
	assertTurnSequence(t, msgs, "what time is it", "it is noon")

	// Both sides of the turn are persisted.
	entries := env.transcripts.all()
	if len(entries) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(entries))
	}
	if entries[0].Role != "user" || entries[0].Text != "what time is it" {
		t.Fatalf("unexpected user entry: %+v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Text != "it is noon" {
		t.Fatalf("unexpected assistant entry: %+v", entries[1])
	}
	if entries[0].DeviceID != "device-1" || entries[0].SessionID == "" {
		t.Fatalf("entry missing identity fields: %+v", entries[0])
	}

	// One stt, four tts events and one raw audio message went out. The last
	// counter increments trail the final write slightly, so poll.
	waitOutbound := func(kind string, want float64) {
		t.Helper()
		counter := env.metrics.Frames.WithLabelValues("outbound", kind)
		deadline := time.Now().Add(time.Second)
		for testutil.ToFloat64(counter) != want {
			if time.Now().After(deadline) {
				t.Fatalf("outbound %s frames = %v, want %v", kind, testutil.ToFloat64(counter), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitOutbound("stt", 1)
	waitOutbound("tts", 4)
	waitOutbound("audio", 1)
}

func TestZeroLengthAudioIsBoundaryMarker(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	c.write(t, websocket.BinaryMessage, audioFrame(t, nil))
	c.expectSilence(t, 300*time.Millisecond)
}

func TestMalformedFrameDroppedConnectionSurvives(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	// Two bytes: not even a full header.
	c.write(t, websocket.BinaryMessage, []byte{0x00, 0x00})
	c.expectSilence(t, 200*time.Millisecond)

	// The next well-formed frame is processed normally.
	c.write(t, websocket.BinaryMessage, audioFrame(t, []byte{9, 9}))
	msgs := c.read(t, 6)
	assertTurnSequence(t, msgs, "what time is it", "it is noon")
}

func TestInlineJSONFrameLoggedNotActedOn(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	wire, err := protocol.EncodeFrame(protocol.FrameJSON, []byte(`{"telemetry":"ok"}`))
	if err != nil {
		t.Fatalf("EncodeFrame error = %v", err)
	}
	c.write(t, websocket.BinaryMessage, wire)
	c.expectSilence(t, 300*time.Millisecond)
}

func TestAbortEmitsTTSStop(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	c.write(t, websocket.TextMessage, []byte(`{"type":"abort"}`))

	msgs := c.read(t, 1)
	if got, st := msgs[0].control["type"], msgs[0].control["state"]; got != "tts" || st != "stop" {
		t.Fatalf("abort reply = %v/%v, want tts/stop", got, st)
	}
}

func TestWakeWordAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	c.write(t, websocket.TextMessage, []byte(`{"type":"state","state":"wake_word_detected"}`))

	msgs := c.read(t, 1)
	if got, st := msgs[0].control["type"], msgs[0].control["state"]; got != "state_ack" || st != "wake_word_detected" {
		t.Fatalf("reply = %v/%v, want state_ack/wake_word_detected", got, st)
	}
}

func TestUnknownControlIgnored(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	c.write(t, websocket.TextMessage, []byte(`{"type":"selfie"}`))
	c.expectSilence(t, 300*time.Millisecond)
}

func TestBackendFailureIsolatedBetweenSessions(t *testing.T) {
	env := newTestEnv(t)

	a := env.dial(t, clientHeaders())
	b := env.dial(t, clientHeaders())

	// Session A's ASR link fails mid-call; its turn is dropped silently.
	env.failASR.Store(true)
	a.write(t, websocket.BinaryMessage, audioFrame(t, []byte{1}))
	a.expectSilence(t, 400*time.Millisecond)
	env.failASR.Store(false)

	// Session B's turn completes regardless.
	b.write(t, websocket.BinaryMessage, audioFrame(t, []byte{2}))
	assertTurnSequence(t, b.read(t, 6), "what time is it", "it is noon")

	// Session A recovers on its next turn: the invalidated link re-dials.
	a.write(t, websocket.BinaryMessage, audioFrame(t, []byte{3}))
	assertTurnSequence(t, a.read(t, 6), "what time is it", "it is noon")

	// A's initial dial, B's initial dial, A's re-dial.
	if got := env.asrDials.Load(); got != 3 {
		t.Fatalf("asr dials = %d, want 3", got)
	}
}

func TestDisconnectDeregistersSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, clientHeaders())

	deadline := time.Now().Add(2 * time.Second)
	for env.registry.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for env.registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not deregistered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
