package models

import (
	"time"

	"github.com/google/uuid"
)

// Problem is catalog display metadata. The catalog itself (authoring,
// unlock sequencing) lives outside this service; we only resolve refs.
type Problem struct {
	ID         uuid.UUID `json:"id"`
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	Difficulty string    `json:"difficulty"`
	IsDaily    bool      `json:"is_daily"`
	CreatedAt  time.Time `json:"created_at"`
}

type Course struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
