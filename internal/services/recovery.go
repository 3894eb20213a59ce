package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"codedrill-backend/internal/clock"
	"codedrill-backend/internal/models"
	"codedrill-backend/internal/repository"
)

// ProblemCatalog resolves problem and course refs to display metadata.
type ProblemCatalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Problem, error)
	GetCourseByID(ctx context.Context, id uuid.UUID) (*models.Course, error)
}

// RecoveryService runs before any session create. It looks for an
// existing live session and, when one exists, assembles the summary the
// caller needs to offer a recover-or-discard decision. A session is
// global per user, so a conflict is surfaced even when the live session
// is for a different problem.
type RecoveryService struct {
	authority  repository.SessionAuthority
	catalog    ProblemCatalog
	redis      *redis.Client
	summaryTTL time.Duration
}

func NewRecoveryService(authority repository.SessionAuthority, catalog ProblemCatalog, redisClient *redis.Client, summaryTTL time.Duration) *RecoveryService {
	return &RecoveryService{
		authority:  authority,
		catalog:    catalog,
		redis:      redisClient,
		summaryTTL: summaryTTL,
	}
}

// FindConflict returns the user's live session, nil when there is none,
// or the query error so the caller can decide to fail open.
func (s *RecoveryService) FindConflict(ctx context.Context, userID uuid.UUID) (*models.PracticeSession, error) {
	existing, err := s.authority.GetCurrent(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// BuildSummary assembles the recovery decision payload: which problem,
// how long since the session was last seen, analytics so far, and the
// last code snapshot if one was flushed.
func (s *RecoveryService) BuildSummary(ctx context.Context, existing *models.PracticeSession, requestedProblem uuid.UUID) *models.RecoverySummary {
	now := time.Now().UTC()
	elapsed := clock.Elapsed(existing.StartedAt, time.Duration(existing.TotalPausedSeconds)*time.Second, existing.PausedAt, now)

	sinceSeen := now.Sub(existing.LastActivityAt)
	if sinceSeen < 0 {
		sinceSeen = 0
	}

	title := existing.ProblemTitle
	if p, err := s.catalog.GetByID(ctx, existing.ProblemID); err == nil {
		title = p.Title
	}

	summary := &models.RecoverySummary{
		SessionID:        existing.ID,
		Type:             existing.Type,
		ProblemID:        existing.ProblemID,
		ProblemTitle:     title,
		CourseID:         existing.CourseID,
		State:            existing.State,
		StartedAt:        existing.StartedAt,
		SecondsSinceSeen: int(sinceSeen.Seconds()),
		ElapsedSeconds:   int(elapsed.Seconds()),
		Counters:         existing.Counters,
		CodeSnapshot:     existing.CodeSnapshot,
		CodeLanguage:     existing.CodeLanguage,
		SameProblem:      existing.ProblemID == requestedProblem,
	}

	s.cacheSummary(ctx, existing.UserID, summary)
	return summary
}

// PendingSummary returns the cached summary for an unresolved recovery
// decision, if one is still within its TTL.
func (s *RecoveryService) PendingSummary(ctx context.Context, userID uuid.UUID) (*models.RecoverySummary, bool) {
	if s.redis == nil {
		return nil, false
	}

	data, err := s.redis.Get(ctx, recoveryKey(userID)).Bytes()
	if err != nil {
		return nil, false
	}

	var summary models.RecoverySummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, false
	}
	return &summary, true
}

// ClearPending drops the cached summary once the decision is resolved.
func (s *RecoveryService) ClearPending(ctx context.Context, userID uuid.UUID) {
	if s.redis == nil {
		return
	}
	s.redis.Del(ctx, recoveryKey(userID))
}

func (s *RecoveryService) cacheSummary(ctx context.Context, userID uuid.UUID, summary *models.RecoverySummary) {
	if s.redis == nil {
		return
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	s.redis.Set(ctx, recoveryKey(userID), data, s.summaryTTL)
}

func recoveryKey(userID uuid.UUID) string {
	return "recovery:pending:" + userID.String()
}
