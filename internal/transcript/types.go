package transcript

import (
	"context"
	"time"
)

// Entry stores one side of a voice turn: the recognized user utterance or
// the assistant's completion text.
type Entry struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts.
type Store interface {
	Save(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
