package models

import (
	"time"
)

type Exercise struct {
	ID         string     `json:"id"`
	Difficulty Difficulty `json:"difficulty"`
	Topics     []string   `json:"topics"`
	Title      string     `json:"title"`
}

type ChatMessage struct {
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSnapshot is the durable form of a collaboration session.
type SessionSnapshot struct {
	SessionID    string        `json:"session_id"`
	MatchID      string        `json:"match_id,omitempty"`
	Exercise     *Exercise     `json:"exercise,omitempty"`
	Participants []string      `json:"participants"`
	Code         string        `json:"code"`
	Notes        string        `json:"notes"`
	Chat         []ChatMessage `json:"chat"`
	Language     string        `json:"language"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (s *SessionSnapshot) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// SessionReadyEvent is published on match.found once per session.
type SessionReadyEvent struct {
	SessionID    string    `json:"session_id"`
	MatchID      string    `json:"match_id"`
	Exercise     *Exercise `json:"exercise"`
	Participants []string  `json:"participants"`
	Language     string    `json:"language"`
	CreatedAt    time.Time `json:"created_at"`
}
