package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codedrill-backend/internal/models"
)

// Publisher fans live session events out to the user's connected clients
// via Redis pub/sub; the websocket hub subscribes per user.
type Publisher struct {
	redis *redis.Client
}

func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{redis: redisClient}
}

func (p *Publisher) Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	if p == nil || p.redis == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	if err := p.redis.Publish(ctx, "user_updates:"+userID.String(), data).Err(); err != nil {
		log.Printf("publish: failed for user %s: %v", userID, err)
	}
}
