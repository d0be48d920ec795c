package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies control message variants exchanged as websocket
// text frames.
type MessageType string

const (
	TypeHello MessageType = "hello"
	TypeState MessageType = "state"
	TypeAbort MessageType = "abort"

	TypeStateAck MessageType = "state_ack"
	TypeSTT      MessageType = "stt"
	TypeTTS      MessageType = "tts"
)

// TTS lifecycle markers sent while streaming one synthesized utterance.
const (
	TTSStateStart         = "start"
	TTSStateSentenceStart = "sentence_start"
	TTSStateSentenceEnd   = "sentence_end"
	TTSStateStop          = "stop"
)

var ErrUnknownControlType = errors.New("unknown control message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioParams describes the client's audio stream. Zero-valued fields in a
// hello are ignored so a partial hello merges over the session defaults.
type AudioParams struct {
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type Hello struct {
	Type         MessageType `json:"type"`
	ResponseMode string      `json:"response_mode,omitempty"`
	AudioParams  AudioParams `json:"audio_params,omitempty"`
}

type StateChange struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
}

type Abort struct {
	Type MessageType `json:"type"`
}

type StateAck struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
}

type STTResult struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TTSEvent struct {
	Type       MessageType `json:"type"`
	State      string      `json:"state"`
	Text       string      `json:"text,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

// ParseControlMessage decodes one inbound control message. Unknown types
// surface ErrUnknownControlType so callers can log and ignore them without
// closing the connection.
func ParseControlMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeState:
		var msg StateChange
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.State == "" {
			return nil, errors.New("state message missing state")
		}
		return msg, nil
	case TypeAbort:
		return Abort{Type: TypeAbort}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownControlType, env.Type)
	}
}
