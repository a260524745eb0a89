package store

import (
	"context"

	"peerprep/models"
)

// MatchStore persists match requests and matches.
// All implementations must be safe for concurrent use; callers serialize
// read-modify-write sequences per entity themselves.
type MatchStore interface {
	// CreateRequest assigns an id when req.ID is empty.
	CreateRequest(ctx context.Context, req *models.MatchRequest) error
	GetRequest(ctx context.Context, id string) (*models.MatchRequest, error)
	UpdateRequest(ctx context.Context, req *models.MatchRequest) error
	// FindPendingRequest returns status.ErrNotFound when the user has no pending request.
	FindPendingRequest(ctx context.Context, userID string) (*models.MatchRequest, error)
	ListPendingRequests(ctx context.Context) ([]*models.MatchRequest, error)

	// CreateMatch assigns an id when m.ID is empty.
	CreateMatch(ctx context.Context, m *models.Match) error
	GetMatch(ctx context.Context, id string) (*models.Match, error)
	UpdateMatch(ctx context.Context, m *models.Match) error
	DeleteMatch(ctx context.Context, id string) error
	ListUnconfirmedMatches(ctx context.Context) ([]*models.Match, error)
}
