package session

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/ebalsamo/voxbridge/internal/backend"
	"github.com/ebalsamo/voxbridge/internal/protocol"
	"github.com/ebalsamo/voxbridge/internal/vad"
)

type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateSpeaking  State = "speaking"
	StateWakeWord  State = "wake_word_detected"
	StateClosed    State = "closed"
)

type ResponseMode string

const (
	ModeAuto     ResponseMode = "auto"
	ModeManual   ResponseMode = "manual"
	ModeRealTime ResponseMode = "real_time"
)

// Intake is the disposition of one inbound audio chunk.
type Intake int

const (
	IntakeProcess Intake = iota
	IntakeBuffered
	IntakeDropped
)

// Effect carries the gateway-visible side effects of a control message:
// which reply to emit, whether to start voice activity detection, and any
// buffered audio released for processing.
type Effect struct {
	Ack         *protocol.StateAck
	EmitTTSStop bool
	StartVAD    bool
	Flushed     [][]byte
}

// Session tracks one client connection's conversational state. All fields
// except lastActivity and connClosed are mutated only from the owning
// connection goroutine; those two are atomic because the registry sweeper
// reads the idle clock and severs the client connection on eviction.
type Session struct {
	ID       string
	DeviceID string

	state             State
	responseMode      ResponseMode
	audioParams       protocol.AudioParams
	audioInputEnabled bool
	pendingAudio      [][]byte

	lastActivity atomic.Int64
	connClosed   atomic.Bool

	backends *backend.Connector
	conn     io.Closer

	vadCancel context.CancelFunc
}

func newSession(id, deviceID string, conn io.Closer, backends *backend.Connector) *Session {
	s := &Session{
		ID:                id,
		DeviceID:          deviceID,
		state:             StateIdle,
		responseMode:      ModeAuto,
		audioInputEnabled: true,
		backends:          backends,
		conn:              conn,
		audioParams: protocol.AudioParams{
			Format:     "opus",
			SampleRate: 16000,
			Channels:   1,
		},
	}
	s.Touch()
	return s
}

func (s *Session) State() State               { return s.state }
func (s *Session) ResponseMode() ResponseMode { return s.responseMode }
func (s *Session) AudioParams() protocol.AudioParams {
	return s.audioParams
}
func (s *Session) Backends() *backend.Connector { return s.backends }
func (s *Session) AudioInputEnabled() bool      { return s.audioInputEnabled }
func (s *Session) PendingAudio() int            { return len(s.pendingAudio) }

// Touch refreshes the idle clock. Called on every received frame.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// ApplyHello overwrites the response mode and merges non-zero audio params
// over the session defaults.
func (s *Session) ApplyHello(msg protocol.Hello) {
	if msg.ResponseMode != "" {
		s.responseMode = ResponseMode(msg.ResponseMode)
	}
	if msg.AudioParams.Format != "" {
		s.audioParams.Format = msg.AudioParams.Format
	}
	if msg.AudioParams.SampleRate > 0 {
		s.audioParams.SampleRate = msg.AudioParams.SampleRate
	}
	if msg.AudioParams.Channels > 0 {
		s.audioParams.Channels = msg.AudioParams.Channels
	}
	log.Printf("session %s hello: response_mode=%s audio_params=%+v", s.ID, s.responseMode, s.audioParams)
}

// ApplyState runs one state transition. Unrecognized values are logged and
// ignored without altering the session.
func (s *Session) ApplyState(raw string) Effect {
	var eff Effect
	switch State(raw) {
	case StateIdle:
		s.setState(StateIdle)
		s.audioInputEnabled = true
		if s.responseMode == ModeManual {
			eff.Flushed = s.drainPending()
		}
	case StateListening:
		s.setState(StateListening)
		s.audioInputEnabled = true
		if s.responseMode == ModeAuto {
			eff.StartVAD = true
		}
	case StateSpeaking:
		s.setState(StateSpeaking)
		if s.responseMode != ModeRealTime {
			s.audioInputEnabled = false
		}
	case StateWakeWord:
		s.setState(StateWakeWord)
		eff.Ack = &protocol.StateAck{Type: protocol.TypeStateAck, State: string(StateWakeWord)}
	default:
		log.Printf("session %s unknown state %q ignored", s.ID, raw)
	}
	return eff
}

// Abort applies unconditionally regardless of current state: the VAD task is
// cancelled, buffered audio discarded, and the session forced back to idle
// with intake re-enabled.
func (s *Session) Abort() Effect {
	s.CancelVAD()
	s.pendingAudio = nil
	s.setState(StateIdle)
	s.audioInputEnabled = true
	return Effect{EmitTTSStop: true}
}

// AcceptAudio decides what happens to one non-empty audio payload: dropped
// while intake is suppressed, buffered in manual mode until the idle flush,
// otherwise processed immediately.
func (s *Session) AcceptAudio(chunk []byte) Intake {
	if !s.audioInputEnabled {
		return IntakeDropped
	}
	if s.responseMode == ModeManual {
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		s.pendingAudio = append(s.pendingAudio, buf)
		return IntakeBuffered
	}
	return IntakeProcess
}

// StartVAD launches the utterance-end detector as an independent cancellable
// task. A running predecessor is always cancelled first; the session never
// has two detectors live.
func (s *Session) StartVAD(parent context.Context, det vad.Detector) {
	s.CancelVAD()
	ctx, cancel := context.WithCancel(parent)
	s.vadCancel = cancel
	go func() {
		err := det.Detect(ctx)
		if err == nil {
			log.Printf("session %s vad: utterance end detected", s.ID)
			return
		}
		if ctx.Err() == nil {
			log.Printf("session %s vad error: %v", s.ID, err)
		}
	}()
}

func (s *Session) CancelVAD() {
	if s.vadCancel != nil {
		s.vadCancel()
		s.vadCancel = nil
	}
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	log.Printf("session %s state %s -> %s", s.ID, s.state, next)
	s.state = next
	s.Touch()
}

func (s *Session) drainPending() [][]byte {
	flushed := s.pendingAudio
	s.pendingAudio = nil
	return flushed
}

// Close tears down everything the session holds. Each step is isolated so
// one failure cannot leak the others. Only the owning connection goroutine
// may call it; cross-task eviction goes through Disconnect.
func (s *Session) Close() {
	s.CancelVAD()
	s.state = StateClosed
	if s.backends != nil {
		s.backends.Close()
	}
	s.closeConn()
}

// Disconnect severs just the client connection, which is safe from any
// goroutine. The owning loop observes the read failure and runs Close
// itself, so session-owned state is never touched from the sweeper.
func (s *Session) Disconnect() {
	s.closeConn()
}

func (s *Session) closeConn() {
	if s.conn == nil || !s.connClosed.CompareAndSwap(false, true) {
		return
	}
	if err := s.conn.Close(); err != nil {
		log.Printf("session %s client close error: %v", s.ID, err)
	}
}
