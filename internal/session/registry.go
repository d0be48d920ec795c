package session

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ebalsamo/voxbridge/internal/backend"
)

// Registry is the process-wide session map. It is constructed once at
// startup and handed explicitly to every connection task; sessions are
// mutated only by their owning task, so the registry lock covers just the
// map itself and the idle sweep.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxIdle  time.Duration
	onExpire func(*Session)
}

func NewRegistry(maxIdle time.Duration) *Registry {
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	return &Registry{
		sessions: make(map[string]*Session),
		maxIdle:  maxIdle,
	}
}

// SetExpireHook installs a callback invoked for each session the sweeper
// evicts.
func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Create allocates a session owning the given backend connector and holding
// the client connection for teardown.
func (r *Registry) Create(deviceID string, conn io.Closer, backends *backend.Connector) *Session {
	s := newSession(uuid.NewString(), deviceID, conn, backends)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Printf("session %s created (device %s)", s.ID, deviceID)
	return s
}

// Remove deregisters a session. It is idempotent: removing an absent id is
// a no-op, so connection-initiated teardown and the sweeper can race safely.
// Resource teardown is not part of removal; the owning goroutine runs
// Session.Close on loop exit, and the sweeper only severs the client
// connection to trigger that exit.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		log.Printf("session %s removed", id)
	}
	return ok
}

// Count reports current registered sessions for the liveness surface.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartSweeper runs idle eviction on a fixed interval until ctx is
// cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep walks a point-in-time snapshot, never the live map, so concurrent
// creation and teardown are tolerated. Per-session failures are logged and
// the remaining sweep continues.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	hook := r.onExpire
	r.mu.RUnlock()

	for _, s := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("sweep: session %s cleanup panic: %v", s.ID, rec)
				}
			}()
			if now.Sub(s.LastActivity()) <= r.maxIdle {
				return
			}
			log.Printf("session %s idle for %v, evicting", s.ID, now.Sub(s.LastActivity()).Round(time.Second))
			if !r.Remove(s.ID) {
				return
			}
			s.Disconnect()
			if hook != nil {
				hook(s)
			}
		}()
	}
}
