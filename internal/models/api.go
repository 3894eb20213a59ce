package models

import (
	"time"

	"github.com/google/uuid"
)

// API error envelope shared by handlers and middleware.
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// WebSocket message envelope. Type is one of the ws event names below.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	WSSessionUpdate      = "session_update"
	WSAnalyticsUpdate    = "analytics_update"
	WSConnectionDegraded = "connection_degraded"
	WSSessionExpired     = "session_expired"
)

// LiveAnalytics is pushed to subscribed clients whenever the aggregator
// records an event.
type LiveAnalytics struct {
	SessionID      uuid.UUID         `json:"session_id"`
	Counters       AnalyticsCounters `json:"counters"`
	Metrics        DerivedMetrics    `json:"metrics"`
	ElapsedSeconds int               `json:"elapsed_seconds"`
}

// SessionUpdate is pushed on every state transition and heartbeat refresh.
type SessionUpdate struct {
	SessionID      uuid.UUID `json:"session_id"`
	State          string    `json:"state"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	ServerTime     time.Time `json:"server_time"`
}

type DegradedSignal struct {
	SessionID        uuid.UUID `json:"session_id"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}
