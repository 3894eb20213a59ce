package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"codedrill-backend/internal/clock"
	"codedrill-backend/internal/models"
	"codedrill-backend/internal/repository"
)

// SessionService is the lifecycle controller: the only component that
// requests state mutations from the authority. Transitions that the
// authority rejects come back as typed errors and are never blindly
// retried; only heartbeats and analytics flushes are idempotent.
type SessionService struct {
	authority repository.SessionAuthority
	catalog   ProblemCatalog
	recovery  *RecoveryService
	analytics *AnalyticsService
	presence  *PresenceTracker
	cache     *SessionCache
	pub       *Publisher
}

func NewSessionService(
	authority repository.SessionAuthority,
	catalog ProblemCatalog,
	recovery *RecoveryService,
	analytics *AnalyticsService,
	presence *PresenceTracker,
	cache *SessionCache,
	pub *Publisher,
) *SessionService {
	return &SessionService{
		authority: authority,
		catalog:   catalog,
		recovery:  recovery,
		analytics: analytics,
		presence:  presence,
		cache:     cache,
		pub:       pub,
	}
}

// StartOutcome is the result of a start request: exactly one of the two
// fields is set. A recovery payload means an existing live session must
// be resolved before a new one can begin.
type StartOutcome struct {
	Session  *models.PracticeSession `json:"session,omitempty"`
	Recovery *models.RecoverySummary `json:"recovery,omitempty"`
}

// StartOrRecover negotiates before creating. The pre-check is advisory;
// the authority's unique index is the real guarantee, so a create that
// loses the race is turned into a recovery payload rather than an error.
func (s *SessionService) StartOrRecover(ctx context.Context, userID uuid.UUID, req models.StartSessionRequest) (*StartOutcome, error) {
	if err := validateStartRequest(req); err != nil {
		return nil, err
	}

	existing, err := s.recovery.FindConflict(ctx, userID)
	if err != nil {
		// Fail open: a broken conflict query must not lock the user out
		// of practicing. The authority still enforces the invariant, and
		// the ambiguity is logged for later reconciliation.
		log.Printf("session: conflict query failed for user %s, proceeding to create: %v", userID, err)
	}
	if existing != nil {
		return &StartOutcome{Recovery: s.recovery.BuildSummary(ctx, existing, req.ProblemID)}, nil
	}

	sess, err := s.createSession(ctx, userID, req)
	if err != nil {
		if errors.Is(err, repository.ErrLiveSessionExists) {
			// Lost the create race to another context. Surface the winner.
			if winner, qerr := s.recovery.FindConflict(ctx, userID); qerr == nil && winner != nil {
				return &StartOutcome{Recovery: s.recovery.BuildSummary(ctx, winner, req.ProblemID)}, nil
			}
			return nil, &ConflictError{Message: "Another session is already active"}
		}
		return nil, err
	}

	return &StartOutcome{Session: sess}, nil
}

// Recover resolves a recovery decision in favor of the existing session.
// No create happens; a paused session is resumed, an active one touched.
func (s *SessionService) Recover(ctx context.Context, userID, sessionID uuid.UUID) (*models.PracticeSession, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalState(sess.State) {
		return nil, &NotFoundError{Message: "No recoverable session exists"}
	}

	if sess.State == models.SessionPaused {
		sess, err = s.authority.Resume(ctx, sessionID, userID)
		if err != nil {
			return nil, s.classify(err, "resume")
		}
	} else {
		if err := s.authority.Heartbeat(ctx, sessionID, userID, time.Now().UTC()); err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, err
			}
			// The state moved between the read and the touch. Resolve from
			// a fresh record instead of returning the stale one.
			sess, err = s.ownedSession(ctx, userID, sessionID)
			if err != nil {
				return nil, err
			}
			switch sess.State {
			case models.SessionPaused:
				sess, err = s.authority.Resume(ctx, sessionID, userID)
				if err != nil {
					return nil, s.classify(err, "resume")
				}
			case models.SessionActive:
				// Touched concurrently; the fresh record stands.
			default:
				return nil, &NotFoundError{Message: "No recoverable session exists"}
			}
		}
	}

	s.recovery.ClearPending(ctx, userID)
	s.analytics.Track(sess)
	s.presence.Resume(userID, sessionID)
	s.cache.Set(ctx, sess)
	s.publishUpdate(ctx, sess)
	return sess, nil
}

// Dismiss abandons the existing session with reason user_dismissed, then
// creates the originally requested one. Strictly sequential: the old
// session is terminal before the new create is attempted.
func (s *SessionService) Dismiss(ctx context.Context, userID, sessionID uuid.UUID, req models.StartSessionRequest) (*models.PracticeSession, error) {
	if err := validateStartRequest(req); err != nil {
		return nil, err
	}

	if _, err := s.finalize(ctx, userID, sessionID, models.SessionAbandoned, models.ReasonUserDismissed); err != nil {
		// Already finalized elsewhere is fine; the goal state holds.
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	s.recovery.ClearPending(ctx, userID)

	sess, err := s.createSession(ctx, userID, req)
	if err != nil {
		if errors.Is(err, repository.ErrLiveSessionExists) {
			return nil, &ConflictError{Message: "Another session is already active"}
		}
		return nil, err
	}
	return sess, nil
}

func (s *SessionService) Pause(ctx context.Context, userID, sessionID uuid.UUID, expectedState string) (*models.PracticeSession, error) {
	if err := s.checkExpectedState(ctx, userID, sessionID, expectedState); err != nil {
		return nil, err
	}

	sess, err := s.authority.Pause(ctx, sessionID, userID)
	if err != nil {
		return nil, s.classify(err, "pause")
	}

	s.presence.Suspend(userID)
	s.analytics.Track(sess)
	s.cache.Set(ctx, sess)
	s.publishUpdate(ctx, sess)
	return sess, nil
}

func (s *SessionService) Resume(ctx context.Context, userID, sessionID uuid.UUID, expectedState string) (*models.PracticeSession, error) {
	if err := s.checkExpectedState(ctx, userID, sessionID, expectedState); err != nil {
		return nil, err
	}

	sess, err := s.authority.Resume(ctx, sessionID, userID)
	if err != nil {
		return nil, s.classify(err, "resume")
	}

	s.presence.Resume(userID, sessionID)
	s.analytics.Track(sess)
	s.cache.Set(ctx, sess)
	s.publishUpdate(ctx, sess)
	return sess, nil
}

func (s *SessionService) Complete(ctx context.Context, userID, sessionID uuid.UUID) (*models.PracticeSession, error) {
	return s.finalize(ctx, userID, sessionID, models.SessionCompleted, models.ReasonSolved)
}

func (s *SessionService) Abandon(ctx context.Context, userID, sessionID uuid.UUID, reason string) (*models.PracticeSession, error) {
	switch reason {
	case "":
		reason = models.ReasonUserAbandoned
	case models.ReasonUserAbandoned, models.ReasonUserDismissed, models.ReasonSuperseded:
	default:
		return nil, &ValidationError{Fields: map[string]string{
			"reason": "reason must be user_abandoned, user_dismissed, or superseded",
		}}
	}
	return s.finalize(ctx, userID, sessionID, models.SessionAbandoned, reason)
}

// Heartbeat is the client-driven liveness touch. Idempotent: the
// authority never lets last_activity_at move backwards.
func (s *SessionService) Heartbeat(ctx context.Context, userID, sessionID uuid.UUID) error {
	err := s.authority.Heartbeat(ctx, sessionID, userID, time.Now().UTC())
	if err == nil {
		s.cache.Invalidate(ctx, userID)
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	sess, gerr := s.authority.GetByID(ctx, sessionID)
	if errors.Is(gerr, pgx.ErrNoRows) {
		return &NotFoundError{Message: "Session not found"}
	}
	if gerr != nil {
		return gerr
	}
	if sess.UserID != userID {
		return &ForbiddenError{Message: "Access denied"}
	}
	if sess.State == models.SessionPaused {
		return &ConflictError{Message: "Session is paused"}
	}
	return &NotFoundError{Message: "Session is already finalized"}
}

// Current returns the user's live session. The cache is a rendering
// hint; a miss falls through to the authority.
func (s *SessionService) Current(ctx context.Context, userID uuid.UUID) (*models.PracticeSession, error) {
	if cached, ok := s.cache.Get(ctx, userID); ok {
		return cached, nil
	}

	sess, err := s.authority.GetCurrent(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Message: "No active session"}
	}
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, sess)
	return sess, nil
}

// CurrentForProblem is the problem-scoped query shape; it always goes to
// the authority.
func (s *SessionService) CurrentForProblem(ctx context.Context, userID, problemID uuid.UUID) (*models.PracticeSession, error) {
	sess, err := s.authority.GetCurrentForProblem(ctx, userID, problemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Message: "No active session for this problem"}
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionService) Get(ctx context.Context, userID, sessionID uuid.UUID) (*models.PracticeSession, error) {
	return s.ownedSession(ctx, userID, sessionID)
}

// Metrics returns the live analytics view for a session.
func (s *SessionService) Metrics(ctx context.Context, userID, sessionID uuid.UUID) (*models.LiveAnalytics, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	lv := s.analytics.LiveFor(sess)
	return &lv, nil
}

func (s *SessionService) createSession(ctx context.Context, userID uuid.UUID, req models.StartSessionRequest) (*models.PracticeSession, error) {
	problem, err := s.catalog.GetByID(ctx, req.ProblemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Message: "Problem not found"}
		}
		return nil, err
	}

	if req.CourseID != nil {
		if _, err := s.catalog.GetCourseByID(ctx, *req.CourseID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &NotFoundError{Message: "Course not found"}
			}
			return nil, err
		}
	}

	sess := &models.PracticeSession{
		UserID:       userID,
		Type:         req.Type,
		ProblemID:    problem.ID,
		ProblemTitle: problem.Title,
		CourseID:     req.CourseID,
	}

	if err := s.authority.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.analytics.Track(sess)
	s.cache.Set(ctx, sess)
	s.publishUpdate(ctx, sess)
	return sess, nil
}

func (s *SessionService) finalize(ctx context.Context, userID, sessionID uuid.UUID, state, reason string) (*models.PracticeSession, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	sess, err := s.authority.Finalize(ctx, sessionID, state, reason)
	if err != nil {
		return nil, s.classify(err, "finalize")
	}

	if err := s.analytics.Finalize(ctx, sess, reason); err != nil {
		log.Printf("session: history append for %s failed: %v", sessionID, err)
	}

	s.presence.Untrack(userID)
	s.cache.Invalidate(ctx, userID)
	s.publishUpdate(ctx, sess)
	return sess, nil
}

func (s *SessionService) ownedSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.PracticeSession, error) {
	sess, err := s.authority.GetByID(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Message: "Session not found"}
	}
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, &ForbiddenError{Message: "Access denied"}
	}
	return sess, nil
}

// checkExpectedState rejects a transition whose caller is working from a
// stale view, instead of applying it blindly.
func (s *SessionService) checkExpectedState(ctx context.Context, userID, sessionID uuid.UUID, expected string) error {
	if expected == "" {
		return nil
	}

	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if sess.State != expected {
		return &StaleDataError{Message: "Session state has changed; refresh and retry"}
	}
	return nil
}

// classify maps authority transition failures onto the error taxonomy.
// A terminal session reads as gone; a live session in the wrong state is
// a conflict.
func (s *SessionService) classify(err error, op string) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return &NotFoundError{Message: "Session not found"}
	case errors.Is(err, repository.ErrSessionFinalized):
		return &NotFoundError{Message: "Session is already finalized"}
	case errors.Is(err, repository.ErrStateConflict):
		return &ConflictError{Message: "Session is not in a valid state to " + op}
	default:
		return err
	}
}

func (s *SessionService) publishUpdate(ctx context.Context, sess *models.PracticeSession) {
	now := time.Now().UTC()
	elapsed := clock.Elapsed(sess.StartedAt, time.Duration(sess.TotalPausedSeconds)*time.Second, sess.PausedAt, now)
	s.pub.Publish(ctx, sess.UserID, models.WSMessage{
		Type: models.WSSessionUpdate,
		Payload: models.SessionUpdate{
			SessionID:      sess.ID,
			State:          sess.State,
			ElapsedSeconds: int(elapsed.Seconds()),
			ServerTime:     now,
		},
	})
}

func validateStartRequest(req models.StartSessionRequest) error {
	fieldErrors := make(map[string]string)

	if req.Type != models.TypeDailyChallenge && req.Type != models.TypeRoadmapChallenge {
		fieldErrors["type"] = "type must be daily_challenge or roadmap_challenge"
	}
	if req.ProblemID == uuid.Nil {
		fieldErrors["problem_id"] = "problem_id is required"
	}
	if req.Type == models.TypeRoadmapChallenge && req.CourseID == nil {
		fieldErrors["course_id"] = "course_id is required for roadmap sessions"
	}

	if len(fieldErrors) > 0 {
		return &ValidationError{Fields: fieldErrors}
	}
	return nil
}
