package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ebalsamo/voxbridge/internal/backend"
	"github.com/ebalsamo/voxbridge/internal/protocol"
	"github.com/ebalsamo/voxbridge/internal/redact"
	"github.com/ebalsamo/voxbridge/internal/session"
	"github.com/ebalsamo/voxbridge/internal/transcript"
)

// runTurn drives one full voice turn: transcribe the utterance, complete a
// reply, synthesize it, and stream the interleaved control messages and raw
// audio back to the client. A backend failure drops the turn and leaves the
// connection open; the failed link has already been invalidated, so the next
// turn re-dials.
func (g *Gateway) runTurn(ctx context.Context, sess *session.Session, audio []byte, out chan<- outMsg) {
	started := time.Now()

	text, err := sess.Backends().Transcribe(ctx, audio)
	if err != nil {
		g.recordBackendError("asr", err)
		log.Printf("session %s turn dropped: %v", sess.ID, err)
		return
	}

	if !g.send(ctx, out, outMsg{data: protocol.STTResult{Type: protocol.TypeSTT, Text: text}}) {
		return
	}
	g.metrics.Frames.WithLabelValues("outbound", "stt").Inc()
	g.saveTranscript(sess, "user", text)

	reply, err := g.pool.Do(ctx, func(ctx context.Context) (string, error) {
		return g.completion.Complete(ctx, nil, text, sess.ID, sess.DeviceID)
	})
	if err != nil {
		g.recordBackendError("completion", err)
		log.Printf("session %s turn dropped: %v", sess.ID, err)
		return
	}
	log.Printf("session %s completion: %q", sess.ID, redact.Text(reply))
	g.saveTranscript(sess, "assistant", reply)

	if !g.send(ctx, out, outMsg{data: protocol.TTSEvent{
		Type:       protocol.TypeTTS,
		State:      protocol.TTSStateStart,
		SampleRate: sess.AudioParams().SampleRate,
	}}) {
		return
	}
	g.metrics.Frames.WithLabelValues("outbound", "tts").Inc()
	if !g.send(ctx, out, outMsg{data: protocol.TTSEvent{
		Type:  protocol.TypeTTS,
		State: protocol.TTSStateSentenceStart,
		Text:  reply,
	}}) {
		return
	}
	g.metrics.Frames.WithLabelValues("outbound", "tts").Inc()

	speech, err := sess.Backends().Synthesize(ctx, reply)
	if err != nil {
		g.recordBackendError("tts", err)
		log.Printf("session %s turn dropped: %v", sess.ID, err)
		return
	}

	// Synthesized audio goes out as one raw binary message, unframed.
	if !g.send(ctx, out, outMsg{binary: speech}) {
		return
	}
	g.metrics.Frames.WithLabelValues("outbound", "audio").Inc()

	if !g.send(ctx, out, outMsg{data: protocol.TTSEvent{Type: protocol.TypeTTS, State: protocol.TTSStateSentenceEnd}}) {
		return
	}
	g.metrics.Frames.WithLabelValues("outbound", "tts").Inc()
	if !g.send(ctx, out, outMsg{data: protocol.TTSEvent{Type: protocol.TypeTTS, State: protocol.TTSStateStop}}) {
		return
	}
	g.metrics.Frames.WithLabelValues("outbound", "tts").Inc()

	g.metrics.ObserveTurnLatency(time.Since(started))
}

func (g *Gateway) recordBackendError(service string, err error) {
	code := "failure"
	switch {
	case errors.Is(err, backend.ErrConnectFailed):
		code = "connect_failed"
	case errors.Is(err, backend.ErrServiceTimeout):
		code = "timeout"
	}
	g.metrics.BackendErrors.WithLabelValues(service, code).Inc()
}

// saveTranscript is best-effort: persistence problems never fail a turn.
func (g *Gateway) saveTranscript(sess *session.Session, role, text string) {
	if g.transcripts == nil || text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := g.transcripts.Save(ctx, transcript.Entry{
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
		Role:      role,
		Text:      text,
	})
	if err != nil {
		log.Printf("session %s transcript save failed: %v", sess.ID, err)
	}
}
