package services

import (
	"context"
	"log"
	"time"

	"codedrill-backend/internal/models"
	"codedrill-backend/internal/repository"
)

// ExpiryScheduler is the authority-side staleness rule. Sessions whose
// last activity fell behind the configured threshold (or paused sessions
// held past their retention window) are expired here, never by a
// disconnected client.
type ExpiryScheduler struct {
	authority repository.SessionAuthority
	analytics *AnalyticsService
	cache     *SessionCache
	pub       *Publisher

	staleAfter      time.Duration
	pausedRetention time.Duration
	sweepInterval   time.Duration
	stopChan        chan struct{}
}

func NewExpiryScheduler(authority repository.SessionAuthority, analytics *AnalyticsService, cache *SessionCache, pub *Publisher, staleAfter, pausedRetention, sweepInterval time.Duration) *ExpiryScheduler {
	return &ExpiryScheduler{
		authority:       authority,
		analytics:       analytics,
		cache:           cache,
		pub:             pub,
		staleAfter:      staleAfter,
		pausedRetention: pausedRetention,
		sweepInterval:   sweepInterval,
		stopChan:        make(chan struct{}),
	}
}

func (s *ExpiryScheduler) Start() {
	go s.loop()
	log.Printf("Expiry scheduler started (stale after %s, paused retention %s)", s.staleAfter, s.pausedRetention)
}

func (s *ExpiryScheduler) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

func (s *ExpiryScheduler) loop() {
	// Run on startup as well as by interval.
	s.sweep(context.Background(), time.Now().UTC())

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep(context.Background(), time.Now().UTC())
		}
	}
}

func (s *ExpiryScheduler) sweep(ctx context.Context, now time.Time) {
	expired, err := s.authority.ExpireStale(ctx, now.Add(-s.staleAfter), now.Add(-s.pausedRetention))
	if err != nil {
		log.Printf("expiry sweep: failed to expire stale sessions: %v", err)
		return
	}

	for _, sess := range expired {
		if err := s.analytics.Finalize(ctx, sess, models.ReasonExpired); err != nil {
			log.Printf("expiry sweep: failed to record history for session %s: %v", sess.ID, err)
		}

		s.cache.Invalidate(ctx, sess.UserID)
		s.pub.Publish(ctx, sess.UserID, models.WSMessage{
			Type: models.WSSessionExpired,
			Payload: models.SessionUpdate{
				SessionID:  sess.ID,
				State:      sess.State,
				ServerTime: now,
			},
		})
	}

	if len(expired) > 0 {
		log.Printf("expiry sweep: expired %d stale session(s)", len(expired))
	}
}
