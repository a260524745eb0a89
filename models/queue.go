package models

import (
	"time"
)

// QueueEntry is the JSON member stored in a bucket sorted set.
type QueueEntry struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Score orders entries oldest first. Unix microseconds stay exact in a float64
// and keep arrivals within the same millisecond apart.
func (e QueueEntry) Score() float64 {
	return float64(e.EnqueuedAt.UnixMicro())
}

type QueuePosition struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Position  int       `json:"position"`
	JoinedAt  time.Time `json:"joined_at"`
	WaitTime  float64   `json:"wait_time"`
}

type BucketStats struct {
	Difficulty        Difficulty `json:"difficulty"`
	Topic             string     `json:"topic"`
	Size              int64      `json:"size"`
	OldestWaitSeconds float64    `json:"oldest_wait_seconds"`
}
