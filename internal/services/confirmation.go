package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peerprep/config"
	"peerprep/internal/status"
	"peerprep/internal/store"
	"peerprep/models"
	"peerprep/monitoring"
	"peerprep/utils"

	"github.com/google/uuid"
)

// SessionStarter creates the collaboration session for a confirmed match and
// reports whether this call created it.
type SessionStarter interface {
	Start(ctx context.Context, m *models.Match) (*models.SessionSnapshot, bool, error)
}

// ConfirmationService drives a match from paired to both_confirmed, declined or expired.
type ConfirmationService struct {
	store    store.MatchStore
	matching *MatchingService
	sessions SessionStarter
	notifier Notifier
	config   *config.Config

	matchLocks *utils.KeyedMutex

	mu         sync.Mutex
	timeoutMap map[string]*time.Timer
}

func NewConfirmationService(matchStore store.MatchStore, matching *MatchingService, sessions SessionStarter, notifier Notifier, cfg *config.Config) *ConfirmationService {
	return &ConfirmationService{
		store:      matchStore,
		matching:   matching,
		sessions:   sessions,
		notifier:   notifier,
		config:     cfg,
		matchLocks: utils.NewKeyedMutex(),
		timeoutMap: make(map[string]*time.Timer),
	}
}

// ArmTimer starts the confirmation window for a freshly paired match.
func (c *ConfirmationService) ArmTimer(m *models.Match) {
	c.arm(m.ID, c.config.ConfirmTimeout)
}

// Rearm restarts the window of a match loaded after a restart, keeping its deadline.
func (c *ConfirmationService) Rearm(m *models.Match) {
	remaining := time.Until(m.CreatedAt.Add(c.config.ConfirmTimeout))
	if remaining < 0 {
		remaining = 0
	}
	c.arm(m.ID, remaining)
}

func (c *ConfirmationService) arm(matchID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timeoutMap[matchID]; ok {
		t.Stop()
	}
	c.timeoutMap[matchID] = time.AfterFunc(d, func() {
		c.expire(matchID)
	})
}

func (c *ConfirmationService) stopTimer(matchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timeoutMap[matchID]; ok {
		t.Stop()
		delete(c.timeoutMap, matchID)
	}
}

func (c *ConfirmationService) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timeoutMap)
}

func (c *ConfirmationService) Confirm(ctx context.Context, matchID, userID string, accept bool) (*models.ConfirmResult, error) {
	if matchID == "" || userID == "" {
		return nil, fmt.Errorf("match_id and user_id are required: %w", status.ErrValidation)
	}

	unlock := c.matchLocks.Lock(matchID)
	defer unlock()

	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasUser(userID) {
		return nil, fmt.Errorf("match %s: %w", matchID, status.ErrForbidden)
	}

	if !accept {
		return c.declineLocked(ctx, m, userID)
	}

	partnerID, _, _ := m.PartnerOf(userID)
	if m.BothConfirmed() {
		// repeated accept after the handoff
		snap, _, err := c.sessions.Start(ctx, m)
		if err != nil {
			return nil, err
		}
		return confirmedResult(m, partnerID, snap), nil
	}

	next := *m
	if next.User1ID == userID {
		next.User1Confirmed = true
	} else {
		next.User2Confirmed = true
	}

	if !next.BothConfirmed() {
		if err := c.store.UpdateMatch(ctx, &next); err != nil {
			return nil, err
		}
		monitoring.TrackMatchOperation("confirm", "waiting")
		return &models.ConfirmResult{
			MatchID:   m.ID,
			State:     models.MatchPaired,
			PartnerID: partnerID,
			Message:   "Waiting for partner to confirm",
		}, nil
	}

	// The second accept is recorded only once the session exists. Until then
	// the match stays paired and its confirmation timer keeps running.
	next.SessionID = SessionIDFor(m.ID)
	snap, created, err := c.sessions.Start(ctx, &next)
	if errors.Is(err, status.ErrNoExercise) {
		monitoring.TrackMatchOperation("confirm", "no_exercise")
		c.releaseLocked(ctx, m, NotifyMatchCancelled, "No exercise is available for this match. You are back in the queue.")
		return nil, err
	}
	if err != nil {
		monitoring.TrackMatchOperation("confirm", "error")
		return nil, err
	}

	now := time.Now().UTC()
	next.ConfirmedAt = &now
	if err := c.store.UpdateMatch(ctx, &next); err != nil {
		return nil, err
	}
	c.stopTimer(m.ID)

	if created {
		for _, user := range []string{m.User1ID, m.User2ID} {
			c.notify(ctx, user, map[string]any{
				"type":       NotifySessionReady,
				"match_id":   m.ID,
				"session_id": next.SessionID,
			})
		}
		slog.Info("match confirmed", "match_id", m.ID, "session_id", next.SessionID)
	}
	monitoring.TrackMatchOperation("confirm", "success")
	return confirmedResult(&next, partnerID, snap), nil
}

// SessionIDFor derives the session id of a match, so every handoff attempt for
// the same match targets the same snapshot.
func SessionIDFor(matchID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(matchID)).String()
}

var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("peerprep/collab/session"))

func confirmedResult(m *models.Match, partnerID string, snap *models.SessionSnapshot) *models.ConfirmResult {
	res := &models.ConfirmResult{
		MatchID:   m.ID,
		State:     models.MatchBothConfirmed,
		SessionID: m.SessionID,
		PartnerID: partnerID,
	}
	if snap != nil {
		res.Exercise = snap.Exercise
	}
	return res
}

func (c *ConfirmationService) declineLocked(ctx context.Context, m *models.Match, userID string) (*models.ConfirmResult, error) {
	if m.BothConfirmed() {
		return nil, fmt.Errorf("match %s already confirmed by both users: %w", m.ID, status.ErrConflict)
	}

	partnerID, ownRequestID, partnerRequestID := m.PartnerOf(userID)

	unlockRequests := c.matching.requestLocks.LockAll(requestKey(ownRequestID), requestKey(partnerRequestID))
	defer unlockRequests()

	if err := c.store.DeleteMatch(ctx, m.ID); err != nil {
		return nil, err
	}
	c.stopTimer(m.ID)

	own, err := c.store.GetRequest(ctx, ownRequestID)
	if err != nil {
		return nil, err
	}
	own.Status = models.RequestCancelled
	own.MatchedAt = nil
	if err := c.store.UpdateRequest(ctx, own); err != nil {
		return nil, err
	}

	requeued := false
	partnerReq, err := c.store.GetRequest(ctx, partnerRequestID)
	if err != nil {
		slog.Error("load partner request", "request_id", partnerRequestID, "error", err)
	} else if requeued, err = c.matching.requeueLocked(ctx, partnerReq); err != nil {
		slog.Error("requeue partner", "request_id", partnerRequestID, "error", err)
	}

	c.notify(ctx, partnerID, map[string]any{
		"type":       NotifyMatchDeclined,
		"match_id":   m.ID,
		"request_id": partnerRequestID,
		"requeued":   requeued,
		"message":    "Your partner declined. You are back in the queue.",
	})

	monitoring.TrackMatchOperation("decline", "success")
	slog.Info("match declined", "match_id", m.ID, "declined_by", userID, "partner_requeued", requeued)

	return &models.ConfirmResult{
		MatchID:   m.ID,
		State:     models.MatchDeclined,
		PartnerID: partnerID,
		Requeued:  requeued,
	}, nil
}

func (c *ConfirmationService) expire(matchID string) {
	ctx := context.Background()

	unlock := c.matchLocks.Lock(matchID)
	defer unlock()

	c.mu.Lock()
	delete(c.timeoutMap, matchID)
	c.mu.Unlock()

	m, err := c.store.GetMatch(ctx, matchID)
	if errors.Is(err, status.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("load expiring match", "match_id", matchID, "error", err)
		return
	}
	if m.BothConfirmed() {
		return
	}

	c.releaseLocked(ctx, m, NotifyMatchExpired, "Confirmation window elapsed. You are back in the queue.")
	monitoring.TrackMatchOperation("expire", "success")
	slog.Info("match expired", "match_id", m.ID)
}

// releaseLocked deletes an unconfirmed match and puts both requests back in
// the queue. Callers hold the match lock.
func (c *ConfirmationService) releaseLocked(ctx context.Context, m *models.Match, notifyType, message string) {
	unlockRequests := c.matching.requestLocks.LockAll(requestKey(m.Request1ID), requestKey(m.Request2ID))
	defer unlockRequests()

	if err := c.store.DeleteMatch(ctx, m.ID); err != nil {
		slog.Error("delete released match", "match_id", m.ID, "error", err)
		return
	}
	c.stopTimer(m.ID)

	for _, p := range []struct{ user, request string }{
		{m.User1ID, m.Request1ID},
		{m.User2ID, m.Request2ID},
	} {
		req, err := c.store.GetRequest(ctx, p.request)
		if err != nil {
			slog.Error("load released request", "request_id", p.request, "error", err)
			continue
		}
		requeued, err := c.matching.requeueLocked(ctx, req)
		if err != nil {
			slog.Error("requeue released request", "request_id", p.request, "error", err)
		}
		c.notify(ctx, p.user, map[string]any{
			"type":       notifyType,
			"match_id":   m.ID,
			"request_id": p.request,
			"requeued":   requeued,
			"message":    message,
		})
	}
}

func (c *ConfirmationService) notify(ctx context.Context, userID string, message map[string]any) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, userID, message); err != nil {
		slog.Warn("notify user", "user_id", userID, "type", message["type"], "error", err)
	}
}

// Shutdown stops all pending confirmation timers.
func (c *ConfirmationService) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timeoutMap {
		t.Stop()
		delete(c.timeoutMap, id)
	}
}
