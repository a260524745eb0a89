package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peerprep/internal/status"
	"peerprep/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const (
	RequestsCollection = "match_requests"
	MatchesCollection  = "matches"
)

// PocketBaseStore keeps requests and matches in the app's collections
// (see migrations/ for the schema).
type PocketBaseStore struct {
	app core.App
}

func NewPocketBaseStore(app core.App) *PocketBaseStore {
	return &PocketBaseStore{app: app}
}

func (s *PocketBaseStore) CreateRequest(ctx context.Context, req *models.MatchRequest) error {
	collection, err := s.app.FindCollectionByNameOrId(RequestsCollection)
	if err != nil {
		return fmt.Errorf("CreateRequest: FindCollectionByNameOrId: %w", err)
	}

	record := core.NewRecord(collection)
	if req.ID != "" {
		record.Id = req.ID
	}
	writeRequest(record, req)

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("CreateRequest: Save: %w", err)
	}
	req.ID = record.Id
	return nil
}

func (s *PocketBaseStore) GetRequest(ctx context.Context, id string) (*models.MatchRequest, error) {
	record, err := s.app.FindRecordById(RequestsCollection, id)
	if err != nil {
		return nil, notFound(err, "request "+id)
	}
	return readRequest(record), nil
}

func (s *PocketBaseStore) UpdateRequest(ctx context.Context, req *models.MatchRequest) error {
	record, err := s.app.FindRecordById(RequestsCollection, req.ID)
	if err != nil {
		return notFound(err, "request "+req.ID)
	}
	writeRequest(record, req)

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("UpdateRequest: Save: %w", err)
	}
	return nil
}

func (s *PocketBaseStore) FindPendingRequest(ctx context.Context, userID string) (*models.MatchRequest, error) {
	record, err := s.app.FindFirstRecordByFilter(
		RequestsCollection,
		"user_id = {:user} && status = {:status}",
		dbx.Params{"user": userID, "status": string(models.RequestPending)},
	)
	if err != nil {
		return nil, notFound(err, "pending request for "+userID)
	}
	return readRequest(record), nil
}

func (s *PocketBaseStore) ListPendingRequests(ctx context.Context) ([]*models.MatchRequest, error) {
	records, err := s.app.FindRecordsByFilter(
		RequestsCollection,
		"status = {:status}",
		"created_at",
		0,
		0,
		dbx.Params{"status": string(models.RequestPending)},
	)
	if err != nil {
		return nil, fmt.Errorf("ListPendingRequests: %w", err)
	}

	out := make([]*models.MatchRequest, 0, len(records))
	for _, record := range records {
		out = append(out, readRequest(record))
	}
	return out, nil
}

func (s *PocketBaseStore) CreateMatch(ctx context.Context, m *models.Match) error {
	collection, err := s.app.FindCollectionByNameOrId(MatchesCollection)
	if err != nil {
		return fmt.Errorf("CreateMatch: FindCollectionByNameOrId: %w", err)
	}

	record := core.NewRecord(collection)
	if m.ID != "" {
		record.Id = m.ID
	}
	writeMatch(record, m)

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("CreateMatch: Save: %w", err)
	}
	m.ID = record.Id
	return nil
}

func (s *PocketBaseStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	record, err := s.app.FindRecordById(MatchesCollection, id)
	if err != nil {
		return nil, notFound(err, "match "+id)
	}
	return readMatch(record), nil
}

func (s *PocketBaseStore) UpdateMatch(ctx context.Context, m *models.Match) error {
	record, err := s.app.FindRecordById(MatchesCollection, m.ID)
	if err != nil {
		return notFound(err, "match "+m.ID)
	}
	writeMatch(record, m)

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("UpdateMatch: Save: %w", err)
	}
	return nil
}

func (s *PocketBaseStore) DeleteMatch(ctx context.Context, id string) error {
	record, err := s.app.FindRecordById(MatchesCollection, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("DeleteMatch: %w", err)
	}
	if err := s.app.DeleteWithContext(ctx, record); err != nil {
		return fmt.Errorf("DeleteMatch: Delete: %w", err)
	}
	return nil
}

func (s *PocketBaseStore) ListUnconfirmedMatches(ctx context.Context) ([]*models.Match, error) {
	records, err := s.app.FindRecordsByFilter(
		MatchesCollection,
		"user1_confirmed = false || user2_confirmed = false",
		"created_at",
		0,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("ListUnconfirmedMatches: %w", err)
	}

	out := make([]*models.Match, 0, len(records))
	for _, record := range records {
		out = append(out, readMatch(record))
	}
	return out, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, status.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func writeRequest(record *core.Record, req *models.MatchRequest) {
	record.Set("user_id", req.UserID)
	record.Set("difficulty", string(req.Difficulty))
	record.Set("topic", req.Topic)
	record.Set("status", string(req.Status))
	record.Set("created_at", req.CreatedAt)
	setOptionalTime(record, "matched_at", req.MatchedAt)
}

func readRequest(record *core.Record) *models.MatchRequest {
	return &models.MatchRequest{
		ID:         record.Id,
		UserID:     record.GetString("user_id"),
		Difficulty: models.Difficulty(record.GetString("difficulty")),
		Topic:      record.GetString("topic"),
		Status:     models.RequestStatus(record.GetString("status")),
		CreatedAt:  record.GetDateTime("created_at").Time(),
		MatchedAt:  optionalTime(record, "matched_at"),
	}
}

func writeMatch(record *core.Record, m *models.Match) {
	record.Set("request1_id", m.Request1ID)
	record.Set("request2_id", m.Request2ID)
	record.Set("user1_id", m.User1ID)
	record.Set("user2_id", m.User2ID)
	record.Set("difficulty", string(m.Difficulty))
	record.Set("topic", m.Topic)
	record.Set("user1_confirmed", m.User1Confirmed)
	record.Set("user2_confirmed", m.User2Confirmed)
	record.Set("session_id", m.SessionID)
	record.Set("created_at", m.CreatedAt)
	setOptionalTime(record, "confirmed_at", m.ConfirmedAt)
}

func readMatch(record *core.Record) *models.Match {
	return &models.Match{
		ID:             record.Id,
		Request1ID:     record.GetString("request1_id"),
		Request2ID:     record.GetString("request2_id"),
		User1ID:        record.GetString("user1_id"),
		User2ID:        record.GetString("user2_id"),
		Difficulty:     models.Difficulty(record.GetString("difficulty")),
		Topic:          record.GetString("topic"),
		User1Confirmed: record.GetBool("user1_confirmed"),
		User2Confirmed: record.GetBool("user2_confirmed"),
		SessionID:      record.GetString("session_id"),
		CreatedAt:      record.GetDateTime("created_at").Time(),
		ConfirmedAt:    optionalTime(record, "confirmed_at"),
	}
}

func setOptionalTime(record *core.Record, field string, t *time.Time) {
	if t == nil {
		record.Set(field, "")
		return
	}
	record.Set(field, *t)
}

func optionalTime(record *core.Record, field string) *time.Time {
	dt := record.GetDateTime(field)
	if dt.IsZero() {
		return nil
	}
	t := dt.Time()
	return &t
}
