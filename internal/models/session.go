package models

import (
	"time"

	"github.com/google/uuid"
)

// Session states. Active and paused are the two "live" states; a user may
// hold at most one live session at a time (enforced by a partial unique
// index on practice_sessions). The remaining three are terminal.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionAbandoned = "abandoned"
	SessionExpired   = "expired"
)

// Session types.
const (
	TypeDailyChallenge   = "daily_challenge"
	TypeRoadmapChallenge = "roadmap_challenge"
)

// Termination reasons recorded when a session enters a terminal state.
const (
	ReasonSolved        = "solved"
	ReasonUserAbandoned = "user_abandoned"
	ReasonUserDismissed = "user_dismissed"
	ReasonSuperseded    = "superseded"
	ReasonExpired       = "expired"
)

func IsTerminalState(state string) bool {
	return state == SessionCompleted || state == SessionAbandoned || state == SessionExpired
}

type PracticeSession struct {
	ID                 uuid.UUID         `json:"id"`
	UserID             uuid.UUID         `json:"user_id"`
	Type               string            `json:"type"`
	ProblemID          uuid.UUID         `json:"problem_id"`
	ProblemTitle       string            `json:"problem_title"`
	CourseID           *uuid.UUID        `json:"course_id,omitempty"`
	State              string            `json:"state"`
	StartedAt          time.Time         `json:"started_at"`
	LastActivityAt     time.Time         `json:"last_activity_at"`
	PausedAt           *time.Time        `json:"paused_at,omitempty"`
	TotalPausedSeconds int               `json:"total_paused_seconds"`
	CodeSnapshot       *string           `json:"code_snapshot,omitempty"`
	CodeLanguage       *string           `json:"code_language,omitempty"`
	Counters           AnalyticsCounters `json:"counters"`
	IsCompleted        bool              `json:"is_completed"`
	TerminationReason  *string           `json:"termination_reason,omitempty"`
	EndedAt            *time.Time        `json:"ended_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// AnalyticsCounters are absolute totals for the session, never deltas, so
// that flushes are idempotent and safe to arrive out of order.
type AnalyticsCounters struct {
	CodeChanges     int `json:"code_changes"`
	TestRuns        int `json:"test_runs"`
	HintsUsed       int `json:"hints_used"`
	Attempts        int `json:"attempts"`
	CorrectAttempts int `json:"correct_attempts"`
}

// DerivedMetrics are recomputed deterministically from the raw counters and
// elapsed time. They carry no invariant of their own.
type DerivedMetrics struct {
	Accuracy             float64 `json:"accuracy"`
	AvgSecondsPerAttempt float64 `json:"avg_seconds_per_attempt"`
	EstimatedScore       float64 `json:"estimated_score"`
}

type CodeSnapshot struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// RecoverySummary is what the negotiator hands to the caller when a new
// start would conflict with an existing live session.
type RecoverySummary struct {
	SessionID        uuid.UUID         `json:"session_id"`
	Type             string            `json:"type"`
	ProblemID        uuid.UUID         `json:"problem_id"`
	ProblemTitle     string            `json:"problem_title"`
	CourseID         *uuid.UUID        `json:"course_id,omitempty"`
	State            string            `json:"state"`
	StartedAt        time.Time         `json:"started_at"`
	SecondsSinceSeen int               `json:"seconds_since_seen"`
	ElapsedSeconds   int               `json:"elapsed_seconds"`
	Counters         AnalyticsCounters `json:"counters"`
	CodeSnapshot     *string           `json:"code_snapshot,omitempty"`
	CodeLanguage     *string           `json:"code_language,omitempty"`
	SameProblem      bool              `json:"same_problem"`
}

type StartSessionRequest struct {
	Type      string     `json:"type"`
	ProblemID uuid.UUID  `json:"problem_id"`
	CourseID  *uuid.UUID `json:"course_id,omitempty"`
}

type SessionEventRequest struct {
	Event   string `json:"event"`
	Correct bool   `json:"correct,omitempty"`
}

// Analytics event names accepted by the aggregator.
const (
	EventCodeChange      = "code_change"
	EventTestRun         = "test_run"
	EventHintUsed        = "hint_used"
	EventAnswerSubmitted = "answer_submitted"
)

type SnapshotRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type TransitionRequest struct {
	// ExpectedState lets a client assert what it believes the session state
	// to be. A mismatch is rejected as stale rather than applied blindly.
	ExpectedState string `json:"expected_state,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
