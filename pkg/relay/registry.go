package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type liveSession struct {
	session *Session
	cancel  context.CancelFunc
	created time.Time
}

// SessionRegistry tracks running sessions so the server can drain them.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Add registers a session with the cancel func of its context. It refuses
// new sessions while draining.
func (r *SessionRegistry) Add(sess *Session, cancel context.CancelFunc) bool {
	if r.draining.Load() {
		return false
	}
	if _, loaded := r.sessions.LoadOrStore(sess.ID(), &liveSession{session: sess, cancel: cancel, created: time.Now()}); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

func (r *SessionRegistry) Get(id string) (*Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*liveSession).session, true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(id string) {
	if v, ok := r.sessions.LoadAndDelete(id); ok {
		v.(*liveSession).cancel()
		r.count.Add(-1)
	}
}

// CancelAll cancels every live session. Sessions remove themselves once
// their goroutines have exited.
func (r *SessionRegistry) CancelAll() {
	r.sessions.Range(func(_, value any) bool {
		value.(*liveSession).cancel()
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
