package models

import (
	"time"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestMatched   RequestStatus = "matched"
	RequestTimeout   RequestStatus = "timeout"
	RequestCancelled RequestStatus = "cancelled"
)

type MatchRequest struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Difficulty Difficulty    `json:"difficulty"`
	Topic      string        `json:"topic"`
	Status     RequestStatus `json:"status"` // pending, matched, timeout, cancelled
	CreatedAt  time.Time     `json:"created_at"`
	MatchedAt  *time.Time    `json:"matched_at,omitempty"`
}

type Match struct {
	ID             string     `json:"id"`
	Request1ID     string     `json:"request1_id"`
	Request2ID     string     `json:"request2_id"`
	User1ID        string     `json:"user1_id"`
	User2ID        string     `json:"user2_id"`
	Difficulty     Difficulty `json:"difficulty"`
	Topic          string     `json:"topic"`
	User1Confirmed bool       `json:"user1_confirmed"`
	User2Confirmed bool       `json:"user2_confirmed"`
	SessionID      string     `json:"session_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
}

func (m *Match) HasUser(userID string) bool {
	return m.User1ID == userID || m.User2ID == userID
}

func (m *Match) BothConfirmed() bool {
	return m.User1Confirmed && m.User2Confirmed
}

// PartnerOf returns the other participant and the request ids of (caller, partner).
func (m *Match) PartnerOf(userID string) (partnerID, ownRequestID, partnerRequestID string) {
	if m.User1ID == userID {
		return m.User2ID, m.Request1ID, m.Request2ID
	}
	return m.User1ID, m.Request2ID, m.Request1ID
}

type MatchState string

const (
	MatchPaired        MatchState = "paired"
	MatchBothConfirmed MatchState = "both_confirmed"
	MatchDeclined      MatchState = "declined"
	MatchExpired       MatchState = "expired"
)

type ConfirmResult struct {
	MatchID   string     `json:"match_id"`
	State     MatchState `json:"state"`
	SessionID string     `json:"session_id,omitempty"`
	PartnerID string     `json:"partner_id"`
	Exercise  *Exercise  `json:"exercise,omitempty"`
	Requeued  bool       `json:"requeued_partner,omitempty"`
	Message   string     `json:"message,omitempty"`
}
