package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"codedrill-backend/internal/models"
)

// ProblemRepo resolves problem and course refs to display metadata. The
// catalog content itself is managed elsewhere; this service only reads it.
type ProblemRepo struct {
	pool *pgxpool.Pool
}

func NewProblemRepo(pool *pgxpool.Pool) *ProblemRepo {
	return &ProblemRepo{pool: pool}
}

func (r *ProblemRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Problem, error) {
	var p models.Problem
	err := r.pool.QueryRow(ctx, `
		SELECT id, slug, title, difficulty, is_daily, created_at
		FROM problems
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Slug, &p.Title, &p.Difficulty, &p.IsDaily, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProblemRepo) GetCourseByID(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	var c models.Course
	err := r.pool.QueryRow(ctx, `
		SELECT id, slug, title, created_at
		FROM courses
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Slug, &c.Title, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ProblemRepo) List(ctx context.Context, dailyOnly bool) ([]models.Problem, error) {
	query := `
		SELECT id, slug, title, difficulty, is_daily, created_at
		FROM problems
	`
	if dailyOnly {
		query += ` WHERE is_daily = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var problems []models.Problem
	for rows.Next() {
		var p models.Problem
		if err := rows.Scan(&p.ID, &p.Slug, &p.Title, &p.Difficulty, &p.IsDaily, &p.CreatedAt); err != nil {
			return nil, err
		}
		problems = append(problems, p)
	}
	return problems, rows.Err()
}
