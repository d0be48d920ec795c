package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ebalsamo/voxbridge/internal/backend"
	"github.com/ebalsamo/voxbridge/internal/config"
	"github.com/ebalsamo/voxbridge/internal/observability"
	"github.com/ebalsamo/voxbridge/internal/protocol"
	"github.com/ebalsamo/voxbridge/internal/session"
	"github.com/ebalsamo/voxbridge/internal/transcript"
	"github.com/ebalsamo/voxbridge/internal/vad"
)

// Gateway multiplexes each client websocket into the ASR, completion and
// TTS backends, one serial processing loop per connection.
type Gateway struct {
	cfg         config.Config
	registry    *session.Registry
	completion  *backend.CompletionClient
	metrics     *observability.Metrics
	transcripts transcript.Store
	newDetector func() vad.Detector
	pool        *completionPool
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, completion *backend.CompletionClient, metrics *observability.Metrics, transcripts transcript.Store, newDetector func() vad.Detector) *Gateway {
	if newDetector == nil {
		newDetector = func() vad.Detector { return vad.Idle{} }
	}
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		completion:  completion,
		metrics:     metrics,
		transcripts: transcripts,
		newDetector: newDetector,
		pool:        newCompletionPool(cfg.CompletionWorkers),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are embedded devices, not browsers; the bearer-token
			// handshake is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Close stops the shared completion workers.
func (g *Gateway) Close() {
	g.pool.Close()
}

// outMsg is one queued outbound message: control JSON or raw binary audio.
type outMsg struct {
	data   any
	binary []byte
}

// inMsg is one websocket message from the client.
type inMsg struct {
	msgType int
	data    []byte
}

// HandleWS upgrades the client connection, validates the handshake and runs
// the connection loop until disconnect or teardown.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	hs, err := validateHandshake(r)
	if err != nil {
		log.Printf("gateway: handshake rejected: %v", err)
		g.metrics.SessionEvents.WithLabelValues("handshake_rejected").Inc()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log.Printf("gateway: new connection device=%s protocol=%s", hs.DeviceID, hs.ProtocolVersion)
	g.serve(r.Context(), conn, hs)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, hs handshakeInfo) {
	connector := backend.NewConnector(backend.Options{
		ASRURL: g.cfg.ASRURL,
		TTSURL: g.cfg.TTSURL,
		Retry: backend.RetryPolicy{
			Attempts: g.cfg.ReconnectAttempts,
			Delay:    g.cfg.ReconnectDelay,
		},
		ServiceTimeout: g.cfg.ServiceTimeout,
	})

	sess := g.registry.Create(hs.DeviceID, conn, connector)
	g.metrics.SessionEvents.WithLabelValues("created").Inc()
	g.metrics.ActiveSessions.Set(float64(g.registry.Count()))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Loop exit always deregisters and tears down, releasing backend links
	// even on the error path. Remove is idempotent against the sweeper,
	// which only severs the client connection; the full teardown runs here,
	// on the goroutine that owns the session.
	defer func() {
		g.registry.Remove(sess.ID)
		sess.Close()
		g.metrics.SessionEvents.WithLabelValues("removed").Inc()
		g.metrics.ActiveSessions.Set(float64(g.registry.Count()))
	}()

	out := make(chan outMsg, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				var err error
				if m.binary != nil {
					err = conn.WriteMessage(websocket.BinaryMessage, m.binary)
				} else {
					err = conn.WriteJSON(m.data)
				}
				if err != nil {
					log.Printf("session %s write error: %v", sess.ID, err)
					cancel()
					return
				}
			}
		}
	}()
	defer func() { cancel(); <-writerDone }()

	conn.SetReadLimit(2 << 20)
	inbound := make(chan inMsg, 16)
	go func() {
		defer close(inbound)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("session %s read error: %v", sess.ID, err)
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case inbound <- inMsg{msgType: msgType, data: data}:
			}
		}
	}()

	st := &connState{}
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-inbound:
			if !ok {
				log.Printf("session %s disconnected", sess.ID)
				return
			}
			sess.Touch()
			switch m.msgType {
			case websocket.TextMessage:
				g.handleControl(ctx, sess, st, m.data, out)
			case websocket.BinaryMessage:
				g.handleBinary(ctx, sess, st, m.data, out)
			}
		case <-time.After(g.cfg.ReceiveTimeout):
			// A receive timeout is a benign poll, not an error.
			continue
		}
	}
}

// connState holds per-connection plumbing that does not belong on the
// session: the active utterance detector, if any.
type connState struct {
	det vad.Detector
}

func (st *connState) markActivity() {
	if m, ok := st.det.(interface{ Mark() }); ok {
		m.Mark()
	}
}

func (g *Gateway) handleControl(ctx context.Context, sess *session.Session, st *connState, raw []byte, out chan<- outMsg) {
	parsed, err := protocol.ParseControlMessage(raw)
	if err != nil {
		log.Printf("session %s control message dropped: %v", sess.ID, err)
		g.metrics.DroppedFrames.WithLabelValues("unknown_control").Inc()
		return
	}
	g.metrics.Frames.WithLabelValues("inbound", "control").Inc()

	switch msg := parsed.(type) {
	case protocol.Hello:
		sess.ApplyHello(msg)
	case protocol.StateChange:
		g.applyEffect(ctx, sess, st, sess.ApplyState(msg.State), out)
	case protocol.Abort:
		log.Printf("session %s abort", sess.ID)
		g.applyEffect(ctx, sess, st, sess.Abort(), out)
	}
}

func (g *Gateway) applyEffect(ctx context.Context, sess *session.Session, st *connState, eff session.Effect, out chan<- outMsg) {
	if eff.Ack != nil {
		if g.send(ctx, out, outMsg{data: eff.Ack}) {
			g.metrics.Frames.WithLabelValues("outbound", "state_ack").Inc()
		}
	}
	if eff.EmitTTSStop {
		if g.send(ctx, out, outMsg{data: protocol.TTSEvent{Type: protocol.TypeTTS, State: protocol.TTSStateStop}}) {
			g.metrics.Frames.WithLabelValues("outbound", "tts").Inc()
		}
	}
	if eff.StartVAD {
		st.det = g.newDetector()
		sess.StartVAD(ctx, st.det)
	}
	if len(eff.Flushed) > 0 {
		g.runTurn(ctx, sess, joinChunks(eff.Flushed), out)
	}
}

func (g *Gateway) handleBinary(ctx context.Context, sess *session.Session, st *connState, data []byte, out chan<- outMsg) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Printf("session %s frame dropped: %v", sess.ID, err)
		g.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		return
	}

	switch frame.Type {
	case protocol.FrameAudio:
		g.metrics.Frames.WithLabelValues("inbound", "audio").Inc()
		if len(frame.Payload) == 0 {
			// Explicit utterance boundary marker.
			return
		}
		st.markActivity()
		switch sess.AcceptAudio(frame.Payload) {
		case session.IntakeProcess:
			g.runTurn(ctx, sess, frame.Payload, out)
		case session.IntakeBuffered:
		case session.IntakeDropped:
			g.metrics.DroppedFrames.WithLabelValues("suppressed").Inc()
		}
	case protocol.FrameJSON:
		g.metrics.Frames.WithLabelValues("inbound", "json").Inc()
		var payload map[string]any
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.Printf("session %s invalid inline JSON payload: %v", sess.ID, err)
			g.metrics.DroppedFrames.WithLabelValues("invalid_json").Inc()
			return
		}
		log.Printf("session %s inline JSON payload: %v", sess.ID, payload)
	}
}

func (g *Gateway) send(ctx context.Context, out chan<- outMsg, m outMsg) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- m:
		return true
	}
}

func joinChunks(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	joined := make([]byte, 0, n)
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	return joined
}
