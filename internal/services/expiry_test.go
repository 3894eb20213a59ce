package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"codedrill-backend/internal/models"
)

func TestSweepExpiresStaleActiveSessions(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	// Backdate the session's last activity past the staleness threshold.
	env.authority.mu.Lock()
	env.authority.sessions[sessionID].LastActivityAt = time.Now().UTC().Add(-time.Hour)
	env.authority.mu.Unlock()

	scheduler := NewExpiryScheduler(env.authority, env.svc.analytics, nil, nil, 10*time.Minute, 72*time.Hour, time.Minute)
	scheduler.sweep(ctx, time.Now().UTC())

	sess, _ := env.authority.GetByID(ctx, sessionID)
	if sess.State != models.SessionExpired {
		t.Fatalf("Expected expired, got %q", sess.State)
	}
	if sess.TerminationReason == nil || *sess.TerminationReason != models.ReasonExpired {
		t.Errorf("Expected reason expired, got %v", sess.TerminationReason)
	}
	if env.history.count() != 1 {
		t.Errorf("Expected one history row, got %d", env.history.count())
	}

	// The user can start a new session immediately.
	next, err := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	if err != nil || next.Session == nil {
		t.Fatalf("Expected a fresh session after expiry, got %v / %v", next, err)
	}
}

func TestSweepLeavesFreshSessionsAlone(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))

	scheduler := NewExpiryScheduler(env.authority, env.svc.analytics, nil, nil, 10*time.Minute, 72*time.Hour, time.Minute)
	scheduler.sweep(ctx, time.Now().UTC())

	sess, _ := env.authority.GetByID(ctx, outcome.Session.ID)
	if sess.State != models.SessionActive {
		t.Errorf("Fresh session must survive a sweep, got %q", sess.State)
	}
}

func TestSweepExpiresOverretainedPausedSessions(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID
	env.svc.Pause(ctx, userID, sessionID, "")

	// A paused session is immune to the activity threshold but not to the
	// retention window.
	old := time.Now().UTC().Add(-80 * time.Hour)
	env.authority.mu.Lock()
	env.authority.sessions[sessionID].PausedAt = &old
	env.authority.mu.Unlock()

	scheduler := NewExpiryScheduler(env.authority, env.svc.analytics, nil, nil, 10*time.Minute, 72*time.Hour, time.Minute)
	scheduler.sweep(ctx, time.Now().UTC())

	sess, _ := env.authority.GetByID(ctx, sessionID)
	if sess.State != models.SessionExpired {
		t.Errorf("Expected paused session expired after retention, got %q", sess.State)
	}
}
