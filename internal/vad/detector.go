package vad

import (
	"context"
	"time"
)

// Detector watches one session's audio activity and returns when the user
// utterance ends. Detection internals live behind this boundary; the session
// only owns the cancellation token for the running task.
type Detector interface {
	Detect(ctx context.Context) error
}

// Func adapts a plain function to a Detector.
type Func func(ctx context.Context) error

func (f Func) Detect(ctx context.Context) error { return f(ctx) }

// Idle is a placeholder detector that never signals on its own; it returns
// only when the session cancels it. Used until a real endpointing backend is
// plugged in.
type Idle struct{}

func (Idle) Detect(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// AfterSilence signals utterance end once no audio has been observed for the
// hold duration. Mark is called by the audio path on every received chunk.
type AfterSilence struct {
	Hold time.Duration
	last chan struct{}
}

func NewAfterSilence(hold time.Duration) *AfterSilence {
	if hold <= 0 {
		hold = 800 * time.Millisecond
	}
	return &AfterSilence{Hold: hold, last: make(chan struct{}, 1)}
}

// Mark records audio activity, postponing the silence deadline.
func (d *AfterSilence) Mark() {
	select {
	case d.last <- struct{}{}:
	default:
	}
}

func (d *AfterSilence) Detect(ctx context.Context) error {
	timer := time.NewTimer(d.Hold)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.last:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.Hold)
		case <-timer.C:
			return nil
		}
	}
}
