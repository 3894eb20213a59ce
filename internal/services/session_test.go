package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"codedrill-backend/internal/models"
	"codedrill-backend/internal/repository"
)

// fakeAuthority mirrors the Postgres authority's semantics in memory:
// one live session per user, state-gated transitions, monotonic
// heartbeats, max-merge analytics upserts.
type fakeAuthority struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.PracticeSession

	// failure injection
	getCurrentErr error
	createErr     error
	heartbeatErr  error
	upsertErr     error

	// beforeHeartbeat, when set, runs before a heartbeat is applied, so
	// tests can interleave a competing transition.
	beforeHeartbeat func()
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{sessions: make(map[uuid.UUID]*models.PracticeSession)}
}

func (f *fakeAuthority) Create(ctx context.Context, s *models.PracticeSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.sessions {
		if existing.UserID == s.UserID && !models.IsTerminalState(existing.State) {
			return repository.ErrLiveSessionExists
		}
	}

	now := time.Now().UTC()
	s.ID = uuid.New()
	s.State = models.SessionActive
	s.StartedAt = now
	s.LastActivityAt = now
	s.CreatedAt = now
	copied := *s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *fakeAuthority) GetByID(ctx context.Context, id uuid.UUID) (*models.PracticeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *s
	return &copied, nil
}

func (f *fakeAuthority) GetCurrent(ctx context.Context, userID uuid.UUID) (*models.PracticeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getCurrentErr != nil {
		return nil, f.getCurrentErr
	}
	for _, s := range f.sessions {
		if s.UserID == userID && !models.IsTerminalState(s.State) {
			copied := *s
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeAuthority) GetCurrentForProblem(ctx context.Context, userID, problemID uuid.UUID) (*models.PracticeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.sessions {
		if s.UserID == userID && s.ProblemID == problemID && !models.IsTerminalState(s.State) {
			copied := *s
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeAuthority) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	if f.beforeHeartbeat != nil {
		f.beforeHeartbeat()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.heartbeatErr != nil {
		return f.heartbeatErr
	}
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID || s.State != models.SessionActive {
		return pgx.ErrNoRows
	}
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

func (f *fakeAuthority) Pause(ctx context.Context, sessionID, userID uuid.UUID) (*models.PracticeSession, error) {
	return f.transition(sessionID, userID, models.SessionActive, func(s *models.PracticeSession) {
		now := time.Now().UTC()
		s.State = models.SessionPaused
		s.PausedAt = &now
	})
}

func (f *fakeAuthority) Resume(ctx context.Context, sessionID, userID uuid.UUID) (*models.PracticeSession, error) {
	return f.transition(sessionID, userID, models.SessionPaused, func(s *models.PracticeSession) {
		if s.PausedAt != nil {
			s.TotalPausedSeconds += int(time.Since(*s.PausedAt).Seconds())
		}
		s.State = models.SessionActive
		s.PausedAt = nil
		s.LastActivityAt = time.Now().UTC()
	})
}

func (f *fakeAuthority) transition(sessionID, userID uuid.UUID, from string, apply func(*models.PracticeSession)) (*models.PracticeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, pgx.ErrNoRows
	}
	if models.IsTerminalState(s.State) {
		return nil, repository.ErrSessionFinalized
	}
	if s.State != from {
		return nil, repository.ErrStateConflict
	}
	apply(s)
	copied := *s
	return &copied, nil
}

func (f *fakeAuthority) Finalize(ctx context.Context, sessionID uuid.UUID, state, reason string) (*models.PracticeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if models.IsTerminalState(s.State) {
		return nil, repository.ErrSessionFinalized
	}

	now := time.Now().UTC()
	s.State = state
	s.TerminationReason = &reason
	s.IsCompleted = state == models.SessionCompleted
	s.EndedAt = &now
	copied := *s
	return &copied, nil
}

func (f *fakeAuthority) UpsertAnalytics(ctx context.Context, sessionID uuid.UUID, c models.AnalyticsCounters, snapshot *models.CodeSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertErr != nil {
		return f.upsertErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return pgx.ErrNoRows
	}
	if c.CodeChanges > s.Counters.CodeChanges {
		s.Counters.CodeChanges = c.CodeChanges
	}
	if c.TestRuns > s.Counters.TestRuns {
		s.Counters.TestRuns = c.TestRuns
	}
	if c.HintsUsed > s.Counters.HintsUsed {
		s.Counters.HintsUsed = c.HintsUsed
	}
	if c.Attempts > s.Counters.Attempts {
		s.Counters.Attempts = c.Attempts
	}
	if c.CorrectAttempts > s.Counters.CorrectAttempts {
		s.Counters.CorrectAttempts = c.CorrectAttempts
	}
	if snapshot != nil {
		s.CodeSnapshot = &snapshot.Code
		s.CodeLanguage = &snapshot.Language
	}
	return nil
}

func (f *fakeAuthority) ExpireStale(ctx context.Context, activeBefore, pausedBefore time.Time) ([]*models.PracticeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var expired []*models.PracticeSession
	for _, s := range f.sessions {
		stale := (s.State == models.SessionActive && s.LastActivityAt.Before(activeBefore)) ||
			(s.State == models.SessionPaused && s.PausedAt != nil && s.PausedAt.Before(pausedBefore))
		if !stale {
			continue
		}
		now := time.Now().UTC()
		reason := models.ReasonExpired
		s.State = models.SessionExpired
		s.TerminationReason = &reason
		s.EndedAt = &now
		copied := *s
		expired = append(expired, &copied)
	}
	return expired, nil
}

type fakeCatalog struct {
	problems map[uuid.UUID]*models.Problem
	courses  map[uuid.UUID]*models.Course
}

func (f *fakeCatalog) GetByID(ctx context.Context, id uuid.UUID) (*models.Problem, error) {
	p, ok := f.problems[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return p, nil
}

func (f *fakeCatalog) GetCourseByID(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	c, ok := f.courses[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return c, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*models.PracticeHistory
}

func (f *fakeHistory) Append(ctx context.Context, h *models.PracticeHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.SessionID == h.SessionID {
			return nil
		}
	}
	f.entries = append(f.entries, h)
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type testEnv struct {
	svc       *SessionService
	authority *fakeAuthority
	catalog   *fakeCatalog
	history   *fakeHistory
	problemID uuid.UUID
	courseID  uuid.UUID
}

func newTestEnv() *testEnv {
	authority := newFakeAuthority()
	problemID := uuid.New()
	courseID := uuid.New()
	catalog := &fakeCatalog{
		problems: map[uuid.UUID]*models.Problem{
			problemID: {ID: problemID, Slug: "two-sum", Title: "Two Sum", Difficulty: "easy"},
		},
		courses: map[uuid.UUID]*models.Course{
			courseID: {ID: courseID, Slug: "arrays", Title: "Arrays"},
		},
	}
	history := &fakeHistory{}

	recovery := NewRecoveryService(authority, catalog, nil, time.Minute)
	analytics := NewAnalyticsService(authority, history, nil, nil, time.Second)
	presence := NewPresenceTracker(authority, nil, nil, time.Second)
	svc := NewSessionService(authority, catalog, recovery, analytics, presence, nil, nil)

	return &testEnv{
		svc:       svc,
		authority: authority,
		catalog:   catalog,
		history:   history,
		problemID: problemID,
		courseID:  courseID,
	}
}

func startRequest(env *testEnv) models.StartSessionRequest {
	return models.StartSessionRequest{Type: models.TypeDailyChallenge, ProblemID: env.problemID}
}

func TestStartCreatesSession(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()

	outcome, err := env.svc.StartOrRecover(context.Background(), userID, startRequest(env))
	if err != nil {
		t.Fatalf("StartOrRecover failed: %v", err)
	}
	if outcome.Session == nil {
		t.Fatal("Expected a new session, got none")
	}
	if outcome.Recovery != nil {
		t.Fatal("Expected no recovery payload on first start")
	}
	if outcome.Session.State != models.SessionActive {
		t.Errorf("Expected state active, got %q", outcome.Session.State)
	}
	if outcome.Session.ProblemTitle != "Two Sum" {
		t.Errorf("Expected resolved problem title, got %q", outcome.Session.ProblemTitle)
	}
}

func TestStartWithLiveSessionReturnsRecovery(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	first, err := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	if err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	second, err := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if second.Session != nil {
		t.Fatal("Second start must not create a session while one is live")
	}
	if second.Recovery == nil {
		t.Fatal("Expected recovery payload")
	}
	if second.Recovery.SessionID != first.Session.ID {
		t.Errorf("Recovery points at session %s, want %s", second.Recovery.SessionID, first.Session.ID)
	}
	if !second.Recovery.SameProblem {
		t.Error("Expected same_problem=true for identical problem")
	}
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()

	tests := []struct {
		name string
		req  models.StartSessionRequest
	}{
		{"bad type", models.StartSessionRequest{Type: "sprint", ProblemID: env.problemID}},
		{"missing problem", models.StartSessionRequest{Type: models.TypeDailyChallenge}},
		{"roadmap without course", models.StartSessionRequest{Type: models.TypeRoadmapChallenge, ProblemID: env.problemID}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.StartOrRecover(context.Background(), userID, tc.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
		})
	}
}

func TestStartFailsOpenWhenConflictQueryBroken(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()

	env.authority.getCurrentErr = errors.New("connection refused")

	outcome, err := env.svc.StartOrRecover(context.Background(), userID, startRequest(env))
	if err != nil {
		t.Fatalf("Expected fail-open create, got %v", err)
	}
	if outcome.Session == nil {
		t.Fatal("Expected a session despite broken conflict query")
	}
}

func TestStartLostCreateRaceSurfacesWinner(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	// Winner created out of band after the conflict pre-check would run.
	winner := &models.PracticeSession{UserID: userID, Type: models.TypeDailyChallenge, ProblemID: env.problemID, ProblemTitle: "Two Sum"}
	if err := env.authority.Create(ctx, winner); err != nil {
		t.Fatalf("Seeding winner failed: %v", err)
	}
	// Pre-check is blind, create must lose to the unique index.
	env.authority.getCurrentErr = errors.New("transient")

	outcome, err := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	env.authority.getCurrentErr = nil
	if err == nil && outcome.Recovery != nil {
		t.Fatal("Expected conflict error when winner lookup also fails")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()

	const n = 8
	var wg sync.WaitGroup
	created := make(chan uuid.UUID, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := env.svc.StartOrRecover(context.Background(), userID, startRequest(env))
			if err != nil {
				return
			}
			if outcome.Session != nil {
				created <- outcome.Session.ID
			}
		}()
	}
	wg.Wait()
	close(created)

	ids := make(map[uuid.UUID]bool)
	for id := range created {
		ids[id] = true
	}
	if len(ids) != 1 {
		t.Fatalf("Expected exactly one winning create, got %d", len(ids))
	}
}

func TestRecoverResumesPausedSession(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	if _, err := env.svc.Pause(ctx, userID, sessionID, ""); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	sess, err := env.svc.Recover(ctx, userID, sessionID)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if sess.State != models.SessionActive {
		t.Errorf("Expected active after recover, got %q", sess.State)
	}
	if sess.PausedAt != nil {
		t.Error("Expected paused_at cleared after resume")
	}
}

func TestDismissReplacesSession(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	oldID := outcome.Session.ID

	newSess, err := env.svc.Dismiss(ctx, userID, oldID, startRequest(env))
	if err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if newSess.ID == oldID {
		t.Fatal("Dismiss must create a fresh session")
	}

	old, err := env.authority.GetByID(ctx, oldID)
	if err != nil {
		t.Fatalf("Old session lookup failed: %v", err)
	}
	if old.State != models.SessionAbandoned {
		t.Errorf("Expected old session abandoned, got %q", old.State)
	}
	if old.TerminationReason == nil || *old.TerminationReason != models.ReasonUserDismissed {
		t.Errorf("Expected reason user_dismissed, got %v", old.TerminationReason)
	}
	if env.history.count() != 1 {
		t.Errorf("Expected one history row for the dismissed session, got %d", env.history.count())
	}
}

func TestPauseRejectsStaleExpectedState(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	if _, err := env.svc.Pause(ctx, userID, sessionID, ""); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	// Client still believes the session is active.
	_, err := env.svc.Pause(ctx, userID, sessionID, models.SessionActive)
	var se *StaleDataError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StaleDataError, got %v", err)
	}
}

func TestPauseFromPausedIsConflict(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	env.svc.Pause(ctx, userID, sessionID, "")
	_, err := env.svc.Pause(ctx, userID, sessionID, "")
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	sess, err := env.svc.Complete(ctx, userID, sessionID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if sess.State != models.SessionCompleted || !sess.IsCompleted {
		t.Errorf("Expected completed session, got state=%q completed=%v", sess.State, sess.IsCompleted)
	}
	if env.history.count() != 1 {
		t.Fatalf("Expected one history row, got %d", env.history.count())
	}

	// A second finalization attempt must not produce a second history row.
	if _, err := env.svc.Complete(ctx, userID, sessionID); err == nil {
		t.Fatal("Expected error completing an already-terminal session")
	}
	if env.history.count() != 1 {
		t.Errorf("Expected history unchanged after repeat complete, got %d rows", env.history.count())
	}

	// And the user can start fresh.
	next, err := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	if err != nil || next.Session == nil {
		t.Fatalf("Expected a fresh session after completion, got %v / %v", next, err)
	}
}

func TestAbandonValidatesReason(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))

	_, err := env.svc.Abandon(ctx, userID, outcome.Session.ID, "rage_quit")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for unknown reason, got %v", err)
	}

	sess, err := env.svc.Abandon(ctx, userID, outcome.Session.ID, "")
	if err != nil {
		t.Fatalf("Abandon with default reason failed: %v", err)
	}
	if sess.TerminationReason == nil || *sess.TerminationReason != models.ReasonUserAbandoned {
		t.Errorf("Expected default reason user_abandoned, got %v", sess.TerminationReason)
	}
}

func TestHeartbeatClassification(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	otherUser := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	if err := env.svc.Heartbeat(ctx, userID, sessionID); err != nil {
		t.Fatalf("Heartbeat on active session failed: %v", err)
	}

	var fe *ForbiddenError
	if err := env.svc.Heartbeat(ctx, otherUser, sessionID); !errors.As(err, &fe) {
		t.Errorf("Expected ForbiddenError for foreign session, got %v", err)
	}

	var nfe *NotFoundError
	if err := env.svc.Heartbeat(ctx, userID, uuid.New()); !errors.As(err, &nfe) {
		t.Errorf("Expected NotFoundError for unknown session, got %v", err)
	}

	env.svc.Pause(ctx, userID, sessionID, "")
	var ce *ConflictError
	if err := env.svc.Heartbeat(ctx, userID, sessionID); !errors.As(err, &ce) {
		t.Errorf("Expected ConflictError for paused session, got %v", err)
	}
}

func TestHeartbeatTimestampNeverRegresses(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	latest := time.Now().UTC().Add(5 * time.Minute)
	if err := env.authority.Heartbeat(ctx, sessionID, userID, latest); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	// A duplicate, an out-of-order touch, and an ancient one must all be
	// absorbed without moving last_activity_at backwards.
	replays := []time.Time{
		latest,
		latest.Add(-3 * time.Minute),
		latest.Add(-time.Hour),
	}
	for _, at := range replays {
		if err := env.authority.Heartbeat(ctx, sessionID, userID, at); err != nil {
			t.Fatalf("Heartbeat(%v) failed: %v", at, err)
		}
		sess, err := env.authority.GetByID(ctx, sessionID)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if !sess.LastActivityAt.Equal(latest) {
			t.Errorf("last_activity_at regressed to %v after touch at %v, want %v", sess.LastActivityAt, at, latest)
		}
	}
}

func TestRecoverResolvesConcurrentPause(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	// Another context pauses the session between recover's read and its
	// liveness touch.
	env.authority.beforeHeartbeat = func() {
		env.authority.Pause(ctx, sessionID, userID)
	}

	sess, err := env.svc.Recover(ctx, userID, sessionID)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if sess.State != models.SessionActive {
		t.Errorf("Expected recover to resume the concurrently paused session, state=%q", sess.State)
	}
	if sess.PausedAt != nil {
		t.Error("Expected paused_at cleared on the returned record")
	}
}

func TestRecoverRejectsConcurrentlyFinalizedSession(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))
	sessionID := outcome.Session.ID

	// The authority expires the session between recover's read and its
	// liveness touch; the stale active record must not be handed back.
	env.authority.beforeHeartbeat = func() {
		env.authority.Finalize(ctx, sessionID, models.SessionExpired, models.ReasonExpired)
	}

	_, err := env.svc.Recover(ctx, userID, sessionID)
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("Expected NotFoundError for a finalized session, got %v", err)
	}
}

func TestCurrentForProblemScoping(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	ctx := context.Background()

	outcome, _ := env.svc.StartOrRecover(ctx, userID, startRequest(env))

	sess, err := env.svc.CurrentForProblem(ctx, userID, env.problemID)
	if err != nil {
		t.Fatalf("CurrentForProblem failed: %v", err)
	}
	if sess.ID != outcome.Session.ID {
		t.Errorf("Expected session %s, got %s", outcome.Session.ID, sess.ID)
	}

	var nfe *NotFoundError
	if _, err := env.svc.CurrentForProblem(ctx, userID, uuid.New()); !errors.As(err, &nfe) {
		t.Errorf("Expected NotFoundError for other problem, got %v", err)
	}
}
