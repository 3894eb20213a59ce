package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"codedrill-backend/internal/models"
)

type HistoryRepo struct {
	pool *pgxpool.Pool
}

func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

// Append writes the one-per-session history row. ON CONFLICT DO NOTHING
// makes a racing double-finalize record history exactly once.
func (r *HistoryRepo) Append(ctx context.Context, h *models.PracticeHistory) error {
	query := `
		INSERT INTO practice_history (
			session_id, user_id, type, problem_id, problem_title, course_id,
			code_changes, test_runs, hints_used, attempts, correct_attempts,
			accuracy, avg_seconds_per_attempt, estimated_score,
			duration_seconds, termination_reason, completed, started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (session_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		h.SessionID, h.UserID, h.Type, h.ProblemID, h.ProblemTitle, h.CourseID,
		h.Counters.CodeChanges, h.Counters.TestRuns, h.Counters.HintsUsed,
		h.Counters.Attempts, h.Counters.CorrectAttempts,
		h.Metrics.Accuracy, h.Metrics.AvgSecondsPerAttempt, h.Metrics.EstimatedScore,
		h.DurationSeconds, h.TerminationReason, h.Completed, h.StartedAt,
	)
	return err
}

func (r *HistoryRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PracticeHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, user_id, type, problem_id, problem_title, course_id,
			code_changes, test_runs, hints_used, attempts, correct_attempts,
			accuracy, avg_seconds_per_attempt, estimated_score,
			duration_seconds, termination_reason, completed, started_at, recorded_at
		FROM practice_history
		WHERE user_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.PracticeHistory
	for rows.Next() {
		var h models.PracticeHistory
		err := rows.Scan(
			&h.ID, &h.SessionID, &h.UserID, &h.Type, &h.ProblemID, &h.ProblemTitle, &h.CourseID,
			&h.Counters.CodeChanges, &h.Counters.TestRuns, &h.Counters.HintsUsed,
			&h.Counters.Attempts, &h.Counters.CorrectAttempts,
			&h.Metrics.Accuracy, &h.Metrics.AvgSecondsPerAttempt, &h.Metrics.EstimatedScore,
			&h.DurationSeconds, &h.TerminationReason, &h.Completed, &h.StartedAt, &h.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}
