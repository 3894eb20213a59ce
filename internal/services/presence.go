package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"codedrill-backend/internal/models"
	"codedrill-backend/internal/repository"
)

// degradedAfter is how many consecutive failed touches it takes before
// clients are told the connection is degraded. Failure never terminates
// the session locally; only the authority's staleness rule may expire it.
const degradedAfter = 3

type presenceEntry struct {
	sessionID uuid.UUID
	suspended bool
	fails     int
}

// PresenceTracker pushes periodic liveness touches to the authority for
// every user with a live websocket. One tracker per process; the hub
// registers and unregisters users as sockets come and go. A touch that
// fails is retried on the next interval, never immediately.
type PresenceTracker struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*presenceEntry
	authority repository.SessionAuthority
	cache     *SessionCache
	pub       *Publisher

	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewPresenceTracker(authority repository.SessionAuthority, cache *SessionCache, pub *Publisher, interval time.Duration) *PresenceTracker {
	return &PresenceTracker{
		entries:   make(map[uuid.UUID]*presenceEntry),
		authority: authority,
		cache:     cache,
		pub:       pub,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

func (t *PresenceTracker) Start() {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stopChan:
				return
			case <-ticker.C:
				t.tick(context.Background())
			}
		}
	}()
}

func (t *PresenceTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// Track begins heartbeating for a user's session.
func (t *PresenceTracker) Track(userID, sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = &presenceEntry{sessionID: sessionID}
}

// Suspend stops touches without forgetting the session; used on pause.
func (t *PresenceTracker) Suspend(userID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[userID]; ok {
		e.suspended = true
		e.fails = 0
	}
}

// Resume restarts touches after a pause.
func (t *PresenceTracker) Resume(userID, sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = &presenceEntry{sessionID: sessionID}
}

func (t *PresenceTracker) Untrack(userID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}

func (t *PresenceTracker) tick(ctx context.Context) {
	type touch struct {
		userID    uuid.UUID
		sessionID uuid.UUID
	}

	t.mu.Lock()
	touches := make([]touch, 0, len(t.entries))
	for userID, e := range t.entries {
		if e.suspended {
			continue
		}
		touches = append(touches, touch{userID: userID, sessionID: e.sessionID})
	}
	t.mu.Unlock()

	now := time.Now().UTC()
	for _, tc := range touches {
		err := t.authority.Heartbeat(ctx, tc.sessionID, tc.userID, now)

		switch {
		case err == nil:
			t.mu.Lock()
			if e, ok := t.entries[tc.userID]; ok && e.sessionID == tc.sessionID {
				e.fails = 0
			}
			t.mu.Unlock()
			t.cache.Invalidate(ctx, tc.userID)

		case errors.Is(err, pgx.ErrNoRows), errors.Is(err, repository.ErrSessionFinalized):
			// Session is gone or no longer active; stop touching it.
			t.Untrack(tc.userID)

		default:
			// Transient failure: count it and wait for the next tick.
			t.mu.Lock()
			fails := 0
			if e, ok := t.entries[tc.userID]; ok && e.sessionID == tc.sessionID {
				e.fails++
				fails = e.fails
			}
			t.mu.Unlock()

			log.Printf("presence: touch failed for session %s (%d consecutive): %v", tc.sessionID, fails, err)
			if fails == degradedAfter {
				t.pub.Publish(ctx, tc.userID, models.WSMessage{
					Type: models.WSConnectionDegraded,
					Payload: models.DegradedSignal{
						SessionID:        tc.sessionID,
						ConsecutiveFails: fails,
					},
				})
			}
		}
	}
}
