package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"peerprep/internal/status"
	"peerprep/models"

	"github.com/google/uuid"
)

// MemoryStore implements MatchStore with in-memory maps.
// Values are copied in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.MatchRequest
	matches  map[string]models.Match
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.MatchRequest),
		matches:  make(map[string]models.Match),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req *models.MatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("request %s: %w", req.ID, status.ErrConflict)
	}
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, status.ErrNotFound)
	}
	out := copyRequest(&req)
	return &out, nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, req *models.MatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; !ok {
		return fmt.Errorf("request %s: %w", req.ID, status.ErrNotFound)
	}
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) FindPendingRequest(ctx context.Context, userID string) (*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, req := range m.requests {
		if req.UserID == userID && req.Status == models.RequestPending {
			out := copyRequest(&req)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("pending request for %s: %w", userID, status.ErrNotFound)
}

func (m *MemoryStore) ListPendingRequests(ctx context.Context) ([]*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.MatchRequest
	for _, req := range m.requests {
		if req.Status == models.RequestPending {
			c := copyRequest(&req)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateMatch(ctx context.Context, match *models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if match.ID == "" {
		match.ID = uuid.NewString()
	}
	if _, exists := m.matches[match.ID]; exists {
		return fmt.Errorf("match %s: %w", match.ID, status.ErrConflict)
	}
	m.matches[match.ID] = copyMatch(match)
	return nil
}

func (m *MemoryStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match, ok := m.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, status.ErrNotFound)
	}
	out := copyMatch(&match)
	return &out, nil
}

func (m *MemoryStore) UpdateMatch(ctx context.Context, match *models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.matches[match.ID]; !ok {
		return fmt.Errorf("match %s: %w", match.ID, status.ErrNotFound)
	}
	m.matches[match.ID] = copyMatch(match)
	return nil
}

func (m *MemoryStore) DeleteMatch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.matches, id)
	return nil
}

func (m *MemoryStore) ListUnconfirmedMatches(ctx context.Context) ([]*models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Match
	for _, match := range m.matches {
		if !match.BothConfirmed() {
			c := copyMatch(&match)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyRequest(req *models.MatchRequest) models.MatchRequest {
	c := *req
	if req.MatchedAt != nil {
		t := *req.MatchedAt
		c.MatchedAt = &t
	}
	return c
}

func copyMatch(match *models.Match) models.Match {
	c := *match
	if match.ConfirmedAt != nil {
		t := *match.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return c
}
