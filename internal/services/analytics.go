package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"codedrill-backend/internal/clock"
	"codedrill-backend/internal/models"
	"codedrill-backend/internal/repository"
)

// HistoryAppender is the append-only session history log.
type HistoryAppender interface {
	Append(ctx context.Context, h *models.PracticeHistory) error
}

// FlushJob is the payload pushed onto the analytics flush queue and
// drained by the worker pool. Counters are absolute totals, so applying
// the same job twice is harmless.
type FlushJob struct {
	SessionID uuid.UUID                `json:"session_id"`
	Counters  models.AnalyticsCounters `json:"counters"`
	Snapshot  *models.CodeSnapshot     `json:"snapshot,omitempty"`
	Attempts  int                      `json:"attempts"`
}

const AnalyticsFlushQueue = "queue:analytics-flush"

type liveEntry struct {
	userID      uuid.UUID
	startedAt   time.Time
	totalPaused time.Duration
	pausedAt    *time.Time
	counters    models.AnalyticsCounters
	snapshot    *models.CodeSnapshot
	dirty       bool
}

// AnalyticsService accumulates per-session events in memory and flushes
// snapshots to the authority on an interval, so a crash loses at most one
// flush interval of data. Finalization flushes synchronously and appends
// the history row.
type AnalyticsService struct {
	mu        sync.Mutex
	live      map[uuid.UUID]*liveEntry
	authority repository.SessionAuthority
	history   HistoryAppender
	queue     *redis.Client
	pub       *Publisher

	flushInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

func NewAnalyticsService(authority repository.SessionAuthority, history HistoryAppender, queueClient *redis.Client, pub *Publisher, flushInterval time.Duration) *AnalyticsService {
	return &AnalyticsService{
		live:          make(map[uuid.UUID]*liveEntry),
		authority:     authority,
		history:       history,
		queue:         queueClient,
		pub:           pub,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
}

func (s *AnalyticsService) Start() {
	go func() {
		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.flushDirty(context.Background())
			}
		}
	}()
}

func (s *AnalyticsService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Track seeds (or refreshes) the in-memory entry from an authoritative
// record. The lifecycle controller calls it on start, recover, pause and
// resume so elapsed-time math stays current.
func (s *AnalyticsService) Track(sess *models.PracticeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live[sess.ID]
	if !ok {
		entry = &liveEntry{counters: sess.Counters}
		s.live[sess.ID] = entry
	}
	entry.userID = sess.UserID
	entry.startedAt = sess.StartedAt
	entry.totalPaused = time.Duration(sess.TotalPausedSeconds) * time.Second
	entry.pausedAt = sess.PausedAt
	mergeCounters(&entry.counters, sess.Counters)
}

func (s *AnalyticsService) Untrack(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, sessionID)
}

// RecordEvent applies one discrete event to the session's counters and
// returns the refreshed live view. The session must be live and owned by
// the caller.
func (s *AnalyticsService) RecordEvent(ctx context.Context, userID, sessionID uuid.UUID, event string, correct bool) (*models.LiveAnalytics, error) {
	if err := s.ensureTracked(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	entry := s.live[sessionID]

	switch event {
	case models.EventCodeChange:
		entry.counters.CodeChanges++
	case models.EventTestRun:
		entry.counters.TestRuns++
	case models.EventHintUsed:
		entry.counters.HintsUsed++
	case models.EventAnswerSubmitted:
		entry.counters.Attempts++
		if correct {
			entry.counters.CorrectAttempts++
		}
	default:
		s.mu.Unlock()
		return nil, &ValidationError{Fields: map[string]string{
			"event": "event must be code_change, test_run, hint_used, or answer_submitted",
		}}
	}

	entry.dirty = true
	lv := s.liveViewLocked(sessionID, entry, time.Now().UTC())
	s.mu.Unlock()

	s.pub.Publish(ctx, userID, models.WSMessage{Type: models.WSAnalyticsUpdate, Payload: lv})
	return &lv, nil
}

// RecordSnapshot stores the latest code text. Snapshots are flushed
// synchronously so that a recovery query returns exactly what was written.
func (s *AnalyticsService) RecordSnapshot(ctx context.Context, userID, sessionID uuid.UUID, code, language string) error {
	if err := s.ensureTracked(ctx, userID, sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	entry := s.live[sessionID]
	entry.snapshot = &models.CodeSnapshot{Code: code, Language: language}
	counters := entry.counters
	snapshot := *entry.snapshot
	s.mu.Unlock()

	err := s.authority.UpsertAnalytics(ctx, sessionID, counters, &snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		s.Untrack(sessionID)
		return &NotFoundError{Message: "Session no longer exists"}
	}
	return err
}

// LiveFor derives display metrics for a session, preferring the in-memory
// counters when the session is tracked.
func (s *AnalyticsService) LiveFor(sess *models.PracticeSession) models.LiveAnalytics {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.live[sess.ID]; ok {
		return s.liveViewLocked(sess.ID, entry, now)
	}

	elapsed := clock.Elapsed(sess.StartedAt, time.Duration(sess.TotalPausedSeconds)*time.Second, sess.PausedAt, now)
	return models.LiveAnalytics{
		SessionID:      sess.ID,
		Counters:       sess.Counters,
		Metrics:        DeriveMetrics(sess.Counters, elapsed),
		ElapsedSeconds: int(elapsed.Seconds()),
	}
}

// Finalize is the synchronous close-out path shared by complete, abandon
// and expire: one last authoritative flush, then the history row.
func (s *AnalyticsService) Finalize(ctx context.Context, sess *models.PracticeSession, reason string) error {
	s.mu.Lock()
	counters := sess.Counters
	var snapshot *models.CodeSnapshot
	if entry, ok := s.live[sess.ID]; ok {
		mergeCounters(&counters, entry.counters)
		snapshot = entry.snapshot
	}
	delete(s.live, sess.ID)
	s.mu.Unlock()

	if err := s.authority.UpsertAnalytics(ctx, sess.ID, counters, snapshot); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		// History is still recorded from what we have; the record-level
		// flush can be reconciled by a later sweep.
		log.Printf("analytics: final flush for session %s failed: %v", sess.ID, err)
	}

	elapsed := clock.Elapsed(sess.StartedAt, time.Duration(sess.TotalPausedSeconds)*time.Second, sess.PausedAt, time.Now().UTC())

	return s.history.Append(ctx, &models.PracticeHistory{
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		Type:              sess.Type,
		ProblemID:         sess.ProblemID,
		ProblemTitle:      sess.ProblemTitle,
		CourseID:          sess.CourseID,
		Counters:          counters,
		Metrics:           DeriveMetrics(counters, elapsed),
		DurationSeconds:   int(elapsed.Seconds()),
		TerminationReason: reason,
		Completed:         reason == models.ReasonSolved,
		StartedAt:         sess.StartedAt,
	})
}

func (s *AnalyticsService) ensureTracked(ctx context.Context, userID, sessionID uuid.UUID) error {
	s.mu.Lock()
	entry, ok := s.live[sessionID]
	if ok && entry.userID != userID {
		s.mu.Unlock()
		return &ForbiddenError{Message: "Access denied"}
	}
	s.mu.Unlock()
	if ok {
		return nil
	}

	sess, err := s.authority.GetByID(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Message: "Session not found"}
	}
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return &ForbiddenError{Message: "Access denied"}
	}
	if models.IsTerminalState(sess.State) {
		return &NotFoundError{Message: "Session is already finalized"}
	}

	s.Track(sess)
	return nil
}

func (s *AnalyticsService) liveViewLocked(sessionID uuid.UUID, entry *liveEntry, now time.Time) models.LiveAnalytics {
	elapsed := clock.Elapsed(entry.startedAt, entry.totalPaused, entry.pausedAt, now)
	return models.LiveAnalytics{
		SessionID:      sessionID,
		Counters:       entry.counters,
		Metrics:        DeriveMetrics(entry.counters, elapsed),
		ElapsedSeconds: int(elapsed.Seconds()),
	}
}

// flushDirty enqueues one flush job per dirty session. With no queue
// configured the flush is applied directly.
func (s *AnalyticsService) flushDirty(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]FlushJob, 0)
	for id, entry := range s.live {
		if !entry.dirty {
			continue
		}
		entry.dirty = false
		jobs = append(jobs, FlushJob{SessionID: id, Counters: entry.counters, Snapshot: entry.snapshot})
	}
	s.mu.Unlock()

	for _, job := range jobs {
		if s.queue == nil {
			if err := s.authority.UpsertAnalytics(ctx, job.SessionID, job.Counters, job.Snapshot); err != nil && !errors.Is(err, pgx.ErrNoRows) {
				log.Printf("analytics: direct flush for session %s failed: %v", job.SessionID, err)
				s.remarkDirty(job.SessionID)
			}
			continue
		}

		data, err := json.Marshal(job)
		if err != nil {
			continue
		}
		if err := s.queue.LPush(ctx, AnalyticsFlushQueue, data).Err(); err != nil {
			log.Printf("analytics: enqueue flush for session %s failed: %v", job.SessionID, err)
			s.remarkDirty(job.SessionID)
		}
	}
}

// remarkDirty puts a failed flush back in scope for the next tick, so a
// broken queue or database hiccup does not silently drop an interval.
func (s *AnalyticsService) remarkDirty(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.live[sessionID]; ok {
		entry.dirty = true
	}
}

// DeriveMetrics recomputes the presentation metrics from raw counters.
// Deterministic: same counters and elapsed time always produce the same
// values.
func DeriveMetrics(c models.AnalyticsCounters, elapsed time.Duration) models.DerivedMetrics {
	var m models.DerivedMetrics

	if c.Attempts > 0 {
		m.Accuracy = float64(c.CorrectAttempts) / float64(c.Attempts)
		m.AvgSecondsPerAttempt = elapsed.Seconds() / float64(c.Attempts)
	}

	// Weighted score: accuracy dominates, hints and failed test runs
	// chip away at it.
	score := m.Accuracy * 100
	score -= float64(c.HintsUsed) * 5
	failedRuns := c.TestRuns - c.CorrectAttempts
	if failedRuns > 0 {
		score -= float64(failedRuns) * 1.5
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	m.EstimatedScore = score

	return m
}

func mergeCounters(dst *models.AnalyticsCounters, src models.AnalyticsCounters) {
	if src.CodeChanges > dst.CodeChanges {
		dst.CodeChanges = src.CodeChanges
	}
	if src.TestRuns > dst.TestRuns {
		dst.TestRuns = src.TestRuns
	}
	if src.HintsUsed > dst.HintsUsed {
		dst.HintsUsed = src.HintsUsed
	}
	if src.Attempts > dst.Attempts {
		dst.Attempts = src.Attempts
	}
	if src.CorrectAttempts > dst.CorrectAttempts {
		dst.CorrectAttempts = src.CorrectAttempts
	}
}
