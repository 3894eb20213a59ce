package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codedrill-backend/internal/models"
)

// SessionCache mirrors the most recently known session per user. It exists
// to render instantly and to save round trips; it is never consulted for
// conflict-sensitive decisions, which always go to the authority.
type SessionCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSessionCache(redisClient *redis.Client, ttl time.Duration) *SessionCache {
	return &SessionCache{redis: redisClient, ttl: ttl}
}

func cacheKey(userID uuid.UUID) string {
	return "session:current:" + userID.String()
}

func (c *SessionCache) Get(ctx context.Context, userID uuid.UUID) (*models.PracticeSession, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		return nil, false
	}

	var s models.PracticeSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	return &s, true
}

func (c *SessionCache) Set(ctx context.Context, s *models.PracticeSession) {
	if c == nil || c.redis == nil || s == nil {
		return
	}

	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	c.redis.Set(ctx, cacheKey(s.UserID), data, c.ttl)
}

func (c *SessionCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	if c == nil || c.redis == nil {
		return
	}
	c.redis.Del(ctx, cacheKey(userID))
}
