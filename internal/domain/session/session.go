package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultInactivityTimeout is the default idle expiry for sessions.
const DefaultInactivityTimeout = 30 * time.Minute

// Config holds session tracker configuration.
type Config struct {
	// InactivityTimeout is how long a session may sit idle before it is
	// expired and its analysis state released. Default: 30 minutes.
	InactivityTimeout time.Duration
	// SweepInterval is how often the tracker scans for idle sessions.
	// Default: 1 minute.
	SweepInterval time.Duration
}

// ExpireFunc is invoked when an idle session is expired, before the
// session is removed from the store. Used to release per-session taint,
// call-graph, and adaptive state.
type ExpireFunc func(sessionID string)

// Tracker manages gateway session lifecycle: creation, activity
// touches, and idle expiry.
type Tracker struct {
	store    Store
	timeout  time.Duration
	interval time.Duration
	onExpire []ExpireFunc

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewTracker creates a session tracker over the given store.
func NewTracker(store Store, cfg Config) *Tracker {
	timeout := cfg.InactivityTimeout
	if timeout == 0 {
		timeout = DefaultInactivityTimeout
	}
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = time.Minute
	}
	return &Tracker{
		store:    store,
		timeout:  timeout,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// OnExpire registers a callback fired for each expired session.
// Must be called before Start.
func (t *Tracker) OnExpire(fn ExpireFunc) {
	t.onExpire = append(t.onExpire, fn)
}

// Create generates a new session context.
func (t *Tracker) Create(ctx context.Context, userID, clientName string) (*Context, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sc := &Context{
		ID:           id,
		UserID:       userID,
		ClientName:   clientName,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := t.store.Create(ctx, sc); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sc, nil
}

// Get retrieves a live session by ID. Idle sessions are expired on read.
func (t *Tracker) Get(ctx context.Context, id string) (*Context, error) {
	sc, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.IsIdle(t.timeout) {
		t.expire(ctx, sc.ID)
		return nil, ErrSessionNotFound
	}
	return sc, nil
}

// Touch records activity on a session, creating it if unknown.
// Returns the updated context.
func (t *Tracker) Touch(ctx context.Context, id string) (*Context, error) {
	sc, err := t.store.Get(ctx, id)
	if err != nil {
		// Unknown session IDs arrive when the client supplies its own;
		// adopt them rather than reject.
		now := time.Now().UTC()
		sc = &Context{ID: id, CreatedAt: now, LastActivity: now, RequestCount: 1}
		if cerr := t.store.Create(ctx, sc); cerr != nil {
			return nil, fmt.Errorf("adopt session %s: %w", id, cerr)
		}
		return sc, nil
	}

	sc.Touch()
	if err := t.store.Update(ctx, sc); err != nil {
		return nil, fmt.Errorf("touch session %s: %w", id, err)
	}
	return sc, nil
}

// End terminates a session and fires expiry callbacks.
func (t *Tracker) End(ctx context.Context, id string) error {
	t.expire(ctx, id)
	return nil
}

// Start launches the idle-sweep goroutine. Stop with Stop().
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep goroutine. Safe to call multiple times.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// sweep expires every session idle past the timeout.
func (t *Tracker) sweep(ctx context.Context) {
	all, err := t.store.List(ctx)
	if err != nil {
		return
	}
	for _, sc := range all {
		if sc.IsIdle(t.timeout) {
			t.expire(ctx, sc.ID)
		}
	}
}

func (t *Tracker) expire(ctx context.Context, id string) {
	for _, fn := range t.onExpire {
		fn(id)
	}
	_ = t.store.Delete(ctx, id)
}

// GenerateSessionID creates a cryptographically random session ID.
// Returns 64 hex characters (32 bytes).
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
