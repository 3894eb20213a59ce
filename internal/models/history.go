package models

import (
	"time"

	"github.com/google/uuid"
)

// PracticeHistory is an append-only record written once per terminal
// session. The session_id unique constraint makes double-finalization a
// no-op at the history layer.
type PracticeHistory struct {
	ID                uuid.UUID         `json:"id"`
	SessionID         uuid.UUID         `json:"session_id"`
	UserID            uuid.UUID         `json:"user_id"`
	Type              string            `json:"type"`
	ProblemID         uuid.UUID         `json:"problem_id"`
	ProblemTitle      string            `json:"problem_title"`
	CourseID          *uuid.UUID        `json:"course_id,omitempty"`
	Counters          AnalyticsCounters `json:"counters"`
	Metrics           DerivedMetrics    `json:"metrics"`
	DurationSeconds   int               `json:"duration_seconds"`
	TerminationReason string            `json:"termination_reason"`
	Completed         bool              `json:"completed"`
	StartedAt         time.Time         `json:"started_at"`
	RecordedAt        time.Time         `json:"recorded_at"`
}
