package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"codedrill-backend/internal/repository"
	"codedrill-backend/internal/services"
)

const maxFlushAttempts = 3

// Pool drains the analytics flush queue into the session authority.
// Flushes carry absolute counters, so a job applied twice, late, or out
// of order cannot corrupt the record.
type Pool struct {
	redis       *redis.Client
	authority   repository.SessionAuthority
	workerCount int
	stopChan    chan struct{}
}

func NewPool(redisClient *redis.Client, authority repository.SessionAuthority, workerCount int) *Pool {
	return &Pool{
		redis:       redisClient,
		authority:   authority,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}

	log.Printf("Started %d worker goroutines", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, services.AnalyticsFlushQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		var job services.FlushJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Worker %d: failed to parse flush job: %v", id, err)
			continue
		}

		// Skip if another worker is already applying this session's flush.
		lockKey := fmt.Sprintf("flush_lock:%s", job.SessionID.String())
		locked, err := p.redis.SetNX(ctx, lockKey, "1", 10*time.Second).Result()
		if err != nil || !locked {
			p.requeue(ctx, job)
			continue
		}

		err = p.authority.UpsertAnalytics(ctx, job.SessionID, job.Counters, job.Snapshot)
		p.redis.Del(ctx, lockKey)

		switch {
		case err == nil:
		case errors.Is(err, pgx.ErrNoRows):
			// Session record is gone; nothing to flush into.
		default:
			log.Printf("Worker %d: flush for session %s failed: %v", id, job.SessionID, err)
			p.requeue(ctx, job)
		}
	}
}

func (p *Pool) requeue(ctx context.Context, job services.FlushJob) {
	job.Attempts++
	if job.Attempts >= maxFlushAttempts {
		log.Printf("Dropping flush for session %s after %d attempts", job.SessionID, job.Attempts)
		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	p.redis.LPush(ctx, services.AnalyticsFlushQueue, data)
}
