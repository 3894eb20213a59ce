package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"codedrill-backend/internal/models"
)

// Transition failures, classified so callers can map them to typed errors.
var (
	// ErrLiveSessionExists: the partial unique index rejected a create
	// because the user already holds an active or paused session.
	ErrLiveSessionExists = errors.New("user already has a live session")

	// ErrStateConflict: the session exists but is not in a state the
	// requested transition is valid from.
	ErrStateConflict = errors.New("session is not in a valid state for this transition")

	// ErrSessionFinalized: the session has already reached a terminal
	// state. Terminal states are never exited.
	ErrSessionFinalized = errors.New("session is already finalized")
)

// SessionAuthority is the single source of truth for session records. The
// Postgres implementation below enforces the one-live-session-per-user
// invariant and the monotonic state machine; tests substitute an in-memory
// fake with the same semantics.
type SessionAuthority interface {
	Create(ctx context.Context, s *models.PracticeSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PracticeSession, error)
	GetCurrent(ctx context.Context, userID uuid.UUID) (*models.PracticeSession, error)
	GetCurrentForProblem(ctx context.Context, userID, problemID uuid.UUID) (*models.PracticeSession, error)
	Heartbeat(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error
	Pause(ctx context.Context, sessionID, userID uuid.UUID) (*models.PracticeSession, error)
	Resume(ctx context.Context, sessionID, userID uuid.UUID) (*models.PracticeSession, error)
	Finalize(ctx context.Context, sessionID uuid.UUID, state, reason string) (*models.PracticeSession, error)
	UpsertAnalytics(ctx context.Context, sessionID uuid.UUID, c models.AnalyticsCounters, snapshot *models.CodeSnapshot) error
	ExpireStale(ctx context.Context, activeBefore, pausedBefore time.Time) ([]*models.PracticeSession, error)
}

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `
	id, user_id, type, problem_id, problem_title, course_id, state,
	started_at, last_activity_at, paused_at, total_paused_seconds,
	code_snapshot, code_language,
	code_changes, test_runs, hints_used, attempts, correct_attempts,
	is_completed, termination_reason, ended_at, created_at
`

func scanSession(row pgx.Row) (*models.PracticeSession, error) {
	var s models.PracticeSession
	err := row.Scan(
		&s.ID, &s.UserID, &s.Type, &s.ProblemID, &s.ProblemTitle, &s.CourseID, &s.State,
		&s.StartedAt, &s.LastActivityAt, &s.PausedAt, &s.TotalPausedSeconds,
		&s.CodeSnapshot, &s.CodeLanguage,
		&s.Counters.CodeChanges, &s.Counters.TestRuns, &s.Counters.HintsUsed,
		&s.Counters.Attempts, &s.Counters.CorrectAttempts,
		&s.IsCompleted, &s.TerminationReason, &s.EndedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new active session. The uq_practice_sessions_live
// partial unique index serializes concurrent creates for the same user:
// the loser gets ErrLiveSessionExists, never a silent duplicate.
func (r *SessionRepo) Create(ctx context.Context, s *models.PracticeSession) error {
	query := `
		INSERT INTO practice_sessions (user_id, type, problem_id, problem_title, course_id, state)
		VALUES ($1, $2, $3, $4, $5, 'active')
		RETURNING id, started_at, last_activity_at, created_at
	`

	err := r.pool.QueryRow(ctx, query, s.UserID, s.Type, s.ProblemID, s.ProblemTitle, s.CourseID).Scan(
		&s.ID,
		&s.StartedAt,
		&s.LastActivityAt,
		&s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrLiveSessionExists
		}
		return err
	}

	s.State = models.SessionActive
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PracticeSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM practice_sessions WHERE id = $1`, id))
}

// GetCurrent returns the user's live (active or paused) session, if any.
func (r *SessionRepo) GetCurrent(ctx context.Context, userID uuid.UUID) (*models.PracticeSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM practice_sessions
		WHERE user_id = $1 AND state IN ('active', 'paused')
	`, userID))
}

// GetCurrentForProblem is the problem-scoped query shape used when the
// caller is starting one specific problem.
func (r *SessionRepo) GetCurrentForProblem(ctx context.Context, userID, problemID uuid.UUID) (*models.PracticeSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM practice_sessions
		WHERE user_id = $1 AND problem_id = $2 AND state IN ('active', 'paused')
	`, userID, problemID))
}

// Heartbeat records liveness. GREATEST keeps last_activity_at monotonic,
// so retried or out-of-order touches can never regress it.
func (r *SessionRepo) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE practice_sessions
		SET last_activity_at = GREATEST(last_activity_at, $3)
		WHERE id = $1
		  AND user_id = $2
		  AND state = 'active'
	`, sessionID, userID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *SessionRepo) Pause(ctx context.Context, sessionID, userID uuid.UUID) (*models.PracticeSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE practice_sessions
		SET state = 'paused',
			paused_at = NOW(),
			last_activity_at = NOW()
		WHERE id = $1
		  AND user_id = $2
		  AND state = 'active'
		RETURNING `+sessionColumns, sessionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyTransitionFailure(ctx, sessionID)
	}
	return s, err
}

func (r *SessionRepo) Resume(ctx context.Context, sessionID, userID uuid.UUID) (*models.PracticeSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE practice_sessions
		SET state = 'active',
			total_paused_seconds = total_paused_seconds
				+ GREATEST(0, EXTRACT(EPOCH FROM (NOW() - paused_at))::INT),
			paused_at = NULL,
			last_activity_at = NOW()
		WHERE id = $1
		  AND user_id = $2
		  AND state = 'paused'
		RETURNING `+sessionColumns, sessionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyTransitionFailure(ctx, sessionID)
	}
	return s, err
}

// Finalize moves a live session into a terminal state. Valid targets are
// completed, abandoned and expired. A paused session's in-progress pause
// interval is folded into total_paused_seconds on the way out.
func (r *SessionRepo) Finalize(ctx context.Context, sessionID uuid.UUID, state, reason string) (*models.PracticeSession, error) {
	if !models.IsTerminalState(state) {
		return nil, fmt.Errorf("finalize: %q is not a terminal state", state)
	}

	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE practice_sessions
		SET state = $2,
			termination_reason = $3,
			is_completed = ($2 = 'completed'),
			total_paused_seconds = total_paused_seconds + CASE
				WHEN paused_at IS NOT NULL
				THEN GREATEST(0, EXTRACT(EPOCH FROM (NOW() - paused_at))::INT)
				ELSE 0
			END,
			paused_at = NULL,
			ended_at = NOW(),
			last_activity_at = NOW()
		WHERE id = $1
		  AND state IN ('active', 'paused')
		RETURNING `+sessionColumns, sessionID, state, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyTransitionFailure(ctx, sessionID)
	}
	return s, err
}

// classifyTransitionFailure explains a zero-row gated UPDATE: the session
// is missing, already terminal, or live but in the wrong state.
func (r *SessionRepo) classifyTransitionFailure(ctx context.Context, sessionID uuid.UUID) error {
	var state string
	err := r.pool.QueryRow(ctx,
		`SELECT state FROM practice_sessions WHERE id = $1`, sessionID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgx.ErrNoRows
	}
	if err != nil {
		return err
	}
	if models.IsTerminalState(state) {
		return ErrSessionFinalized
	}
	return ErrStateConflict
}

// UpsertAnalytics applies an absolute counter snapshot. Per-counter
// GREATEST makes the flush idempotent and safe to retry or reorder; the
// snapshot, when present, is replaced wholesale (last write wins).
func (r *SessionRepo) UpsertAnalytics(ctx context.Context, sessionID uuid.UUID, c models.AnalyticsCounters, snapshot *models.CodeSnapshot) error {
	var code, language *string
	if snapshot != nil {
		code = &snapshot.Code
		language = &snapshot.Language
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE practice_sessions
		SET code_changes = GREATEST(code_changes, $2),
			test_runs = GREATEST(test_runs, $3),
			hints_used = GREATEST(hints_used, $4),
			attempts = GREATEST(attempts, $5),
			correct_attempts = GREATEST(correct_attempts, $6),
			code_snapshot = COALESCE($7, code_snapshot),
			code_language = COALESCE($8, code_language),
			last_activity_at = GREATEST(last_activity_at, NOW())
		WHERE id = $1
	`, sessionID, c.CodeChanges, c.TestRuns, c.HintsUsed, c.Attempts, c.CorrectAttempts, code, language)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ExpireStale is the authority-side staleness rule: active sessions whose
// last_activity_at fell behind the threshold, and paused sessions held
// past their retention window, are marked expired in one statement.
func (r *SessionRepo) ExpireStale(ctx context.Context, activeBefore, pausedBefore time.Time) ([]*models.PracticeSession, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE practice_sessions
		SET state = 'expired',
			termination_reason = 'expired',
			total_paused_seconds = total_paused_seconds + CASE
				WHEN paused_at IS NOT NULL
				THEN GREATEST(0, EXTRACT(EPOCH FROM (NOW() - paused_at))::INT)
				ELSE 0
			END,
			paused_at = NULL,
			ended_at = NOW()
		WHERE (state = 'active' AND last_activity_at < $1)
		   OR (state = 'paused' AND COALESCE(paused_at, last_activity_at) < $2)
		RETURNING `+sessionColumns, activeBefore.UTC(), pausedBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*models.PracticeSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, s)
	}
	return expired, rows.Err()
}
