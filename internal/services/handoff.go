package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"peerprep/config"
	"peerprep/internal/catalog"
	"peerprep/internal/events"
	"peerprep/internal/status"
	"peerprep/internal/store"
	"peerprep/models"
	"peerprep/monitoring"
)

// HandoffService turns a both-confirmed match into a collaboration session.
type HandoffService struct {
	snapshots *store.SnapshotStore
	catalog   catalog.Picker
	publisher events.Publisher
	config    *config.Config
}

func NewHandoffService(snapshots *store.SnapshotStore, picker catalog.Picker, publisher events.Publisher, cfg *config.Config) *HandoffService {
	return &HandoffService{
		snapshots: snapshots,
		catalog:   picker,
		publisher: publisher,
		config:    cfg,
	}
}

// Start is idempotent per session id. Only the call that creates the snapshot
// publishes match.found; if that publish fails the snapshot is removed again so
// a retried confirmation can redo the handoff.
func (h *HandoffService) Start(ctx context.Context, m *models.Match) (*models.SessionSnapshot, bool, error) {
	start := time.Now()
	if m.SessionID == "" {
		return nil, false, fmt.Errorf("match %s has no session id: %w", m.ID, status.ErrValidation)
	}

	existing, err := h.snapshots.Load(ctx, m.SessionID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, status.ErrNotReady) {
		return nil, false, err
	}

	exercise, err := h.catalog.Pick(ctx, m.Difficulty, []string{m.Topic})
	if err != nil {
		monitoring.ObserveHandoff("no_exercise", time.Since(start))
		return nil, false, fmt.Errorf("handoff %s: %w", m.SessionID, err)
	}

	now := time.Now().UTC()
	snap := &models.SessionSnapshot{
		SessionID:    m.SessionID,
		MatchID:      m.ID,
		Exercise:     exercise,
		Participants: []string{m.User1ID, m.User2ID},
		Code:         "",
		Chat:         []models.ChatMessage{},
		Language:     h.config.DefaultLanguage,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := h.snapshots.CreateIfAbsent(ctx, snap)
	if err != nil {
		monitoring.ObserveHandoff("error", time.Since(start))
		return nil, false, err
	}
	if !created {
		existing, err := h.snapshots.Load(ctx, m.SessionID)
		return existing, false, err
	}

	event := models.SessionReadyEvent{
		SessionID:    snap.SessionID,
		MatchID:      snap.MatchID,
		Exercise:     snap.Exercise,
		Participants: snap.Participants,
		Language:     snap.Language,
		CreatedAt:    snap.CreatedAt,
	}
	if err := h.publisher.Publish(ctx, events.RoutingMatchFound, event); err != nil {
		if derr := h.snapshots.Delete(context.WithoutCancel(ctx), snap.SessionID); derr != nil {
			slog.Error("rollback session snapshot", "session_id", snap.SessionID, "error", derr)
		}
		monitoring.ObserveHandoff("publish_failed", time.Since(start))
		return nil, false, fmt.Errorf("handoff %s: publish: %v: %w", snap.SessionID, err, status.ErrTransientDependency)
	}

	monitoring.ObserveHandoff("created", time.Since(start))
	slog.Info("session handed off", "session_id", snap.SessionID, "match_id", m.ID, "exercise_id", exercise.ID)
	return snap, true, nil
}
