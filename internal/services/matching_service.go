package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"peerprep/config"
	"peerprep/internal/status"
	"peerprep/internal/store"
	"peerprep/models"
	"peerprep/monitoring"
	"peerprep/utils"
)

type search struct {
	cancel context.CancelFunc
	gen    uint64
}

// MatchingService owns the request lifecycle: creation, the periodic search
// for a partner, cancellation and timeout.
type MatchingService struct {
	store    store.MatchStore
	queue    *MatchingQueue
	notifier Notifier
	config   *config.Config

	requestLocks *utils.KeyedMutex
	userLocks    *utils.KeyedMutex

	mu       sync.Mutex
	searches map[string]search
	gen      uint64
	onPaired func(*models.Match)

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// RequestView is a request plus its live queue position while pending.
type RequestView struct {
	*models.MatchRequest
	Queue *models.QueuePosition `json:"queue,omitempty"`
}

func NewMatchingService(matchStore store.MatchStore, queue *MatchingQueue, notifier Notifier, cfg *config.Config) *MatchingService {
	ctx, cancel := context.WithCancel(context.Background())
	return &MatchingService{
		store:        matchStore,
		queue:        queue,
		notifier:     notifier,
		config:       cfg,
		requestLocks: utils.NewKeyedMutex(),
		userLocks:    utils.NewKeyedMutex(),
		searches:     make(map[string]search),
		baseCtx:      ctx,
		stop:         cancel,
	}
}

// OnPaired registers the callback run after a match is committed.
func (s *MatchingService) OnPaired(fn func(*models.Match)) {
	s.onPaired = fn
}

func (s *MatchingService) Queue() *MatchingQueue {
	return s.queue
}

func requestKey(id string) string { return "request:" + id }

func (s *MatchingService) CreateRequest(ctx context.Context, userID string, difficulty models.Difficulty, topic string) (*models.MatchRequest, error) {
	userID = strings.TrimSpace(userID)
	topic = strings.TrimSpace(topic)
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", status.ErrValidation)
	}
	if !difficulty.Valid() {
		return nil, fmt.Errorf("difficulty %q must be Easy, Medium or Hard: %w", difficulty, status.ErrValidation)
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required: %w", status.ErrValidation)
	}

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	existing, err := s.store.FindPendingRequest(ctx, userID)
	if err == nil {
		return nil, fmt.Errorf("request %s: %w", existing.ID, status.ErrAlreadyPending)
	}
	if !errors.Is(err, status.ErrNotFound) {
		return nil, err
	}

	req := &models.MatchRequest{
		UserID:     userID,
		Difficulty: difficulty,
		Topic:      topic,
		Status:     models.RequestPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, difficulty, topic, entryFor(req)); err != nil {
		req.Status = models.RequestCancelled
		if uerr := s.store.UpdateRequest(ctx, req); uerr != nil {
			slog.Error("cancel unqueued request", "request_id", req.ID, "error", uerr)
		}
		monitoring.TrackMatchOperation("request", "error")
		return nil, err
	}

	s.startSearch(req.ID, s.config.MatchSearchTimeout)
	monitoring.TrackMatchOperation("request", "success")
	slog.Info("match request created", "request_id", req.ID, "user_id", userID, "difficulty", difficulty, "topic", topic)
	return req, nil
}

func entryFor(req *models.MatchRequest) models.QueueEntry {
	return models.QueueEntry{RequestID: req.ID, UserID: req.UserID, EnqueuedAt: req.CreatedAt}
}

// FindAndPair runs one pairing attempt for requestID. It returns the new match,
// nil when nobody is available yet, or status.ErrConflict once the request is
// no longer pending.
func (s *MatchingService) FindAndPair(ctx context.Context, requestID string) (*models.Match, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, status.ErrConflict)
	}

	res, err := s.queue.FindPartner(ctx, req.Difficulty, req.Topic, req.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	if res.Outcome != PairFound {
		return nil, nil
	}

	unlock := s.requestLocks.LockAll(requestKey(res.Own.RequestID), requestKey(res.Partner.RequestID))
	defer unlock()

	// Both entries are out of the bucket now. Whatever happens below, a side that
	// is still pending must get its entry back.
	own, ownOK := s.pendingRequest(ctx, res.Own.RequestID)
	partner, partnerOK := s.pendingRequest(ctx, res.Partner.RequestID)
	if !ownOK || !partnerOK {
		s.restoreIfPending(ctx, req, res.Own, ownOK)
		s.restoreIfPending(ctx, req, res.Partner, partnerOK)
		return nil, nil
	}

	// user1 is whoever waited longer
	first, second := partner, own
	if res.Own.EnqueuedAt.Before(res.Partner.EnqueuedAt) {
		first, second = own, partner
	}

	now := time.Now().UTC()
	match := &models.Match{
		Request1ID: first.ID,
		Request2ID: second.ID,
		User1ID:    first.UserID,
		User2ID:    second.UserID,
		Difficulty: own.Difficulty,
		Topic:      own.Topic,
		CreatedAt:  now,
	}
	if err := s.store.CreateMatch(ctx, match); err != nil {
		s.restoreIfPending(ctx, req, res.Own, true)
		s.restoreIfPending(ctx, req, res.Partner, true)
		monitoring.TrackMatchOperation("pair", "error")
		return nil, err
	}

	for _, r := range []*models.MatchRequest{partner, own} {
		r.Status = models.RequestMatched
		r.MatchedAt = &now
		if err := s.store.UpdateRequest(ctx, r); err != nil {
			s.rollbackPairing(ctx, match, partner, own, res)
			monitoring.TrackMatchOperation("pair", "error")
			return nil, err
		}
	}

	s.stopSearch(partner.ID)
	s.stopSearch(own.ID)

	if s.onPaired != nil {
		s.onPaired(match)
	}

	for _, n := range []struct{ user, partner string }{
		{match.User1ID, match.User2ID},
		{match.User2ID, match.User1ID},
	} {
		s.notify(ctx, n.user, map[string]any{
			"type":            NotifyMatchFound,
			"match_id":        match.ID,
			"partner_id":      n.partner,
			"difficulty":      match.Difficulty,
			"topic":           match.Topic,
			"confirm_timeout": s.config.ConfirmTimeout.Seconds(),
		})
	}

	monitoring.TrackMatchOperation("pair", "success")
	slog.Info("users paired", "match_id", match.ID, "user1", match.User1ID, "user2", match.User2ID)
	return match, nil
}

func (s *MatchingService) pendingRequest(ctx context.Context, id string) (*models.MatchRequest, bool) {
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		slog.Warn("load paired request", "request_id", id, "error", err)
		return nil, false
	}
	return r, r.Status == models.RequestPending
}

func (s *MatchingService) restoreIfPending(ctx context.Context, req *models.MatchRequest, entry models.QueueEntry, pending bool) {
	if !pending {
		return
	}
	if err := s.queue.Restore(ctx, req.Difficulty, req.Topic, entry); err != nil {
		slog.Error("restore queue entry", "request_id", entry.RequestID, "error", err)
	}
}

func (s *MatchingService) rollbackPairing(ctx context.Context, match *models.Match, partner, own *models.MatchRequest, res *PairResult) {
	if err := s.store.DeleteMatch(ctx, match.ID); err != nil {
		slog.Error("rollback match", "match_id", match.ID, "error", err)
	}
	for _, r := range []*models.MatchRequest{partner, own} {
		r.Status = models.RequestPending
		r.MatchedAt = nil
		if err := s.store.UpdateRequest(ctx, r); err != nil {
			slog.Error("rollback request", "request_id", r.ID, "error", err)
		}
	}
	s.restoreIfPending(ctx, own, res.Own, true)
	s.restoreIfPending(ctx, own, res.Partner, true)
}

// startSearch runs FindAndPair every MatchSearchInterval until a match is made,
// the request leaves pending, or window elapses. A second call for the same
// request replaces the running loop.
func (s *MatchingService) startSearch(requestID string, window time.Duration) {
	ctx, cancel := context.WithTimeout(s.baseCtx, window)

	s.mu.Lock()
	if prev, ok := s.searches[requestID]; ok {
		prev.cancel()
	}
	s.gen++
	gen := s.gen
	s.searches[requestID] = search{cancel: cancel, gen: gen}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.clearSearch(requestID, gen)

		ticker := time.NewTicker(s.config.MatchSearchInterval)
		defer ticker.Stop()

		for {
			// operations run on the service context so a deadline never interrupts a pairing halfway
			match, err := s.FindAndPair(s.baseCtx, requestID)
			switch {
			case match != nil:
				return
			case errors.Is(err, status.ErrConflict), errors.Is(err, status.ErrNotFound):
				return
			case err != nil:
				slog.Warn("pairing attempt failed", "request_id", requestID, "error", err)
			}

			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					if err := s.HandleSearchTimeout(s.baseCtx, requestID); err != nil {
						slog.Error("search timeout", "request_id", requestID, "error", err)
					}
				}
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *MatchingService) stopSearch(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.searches[requestID]; ok {
		sr.cancel()
		delete(s.searches, requestID)
	}
}

func (s *MatchingService) clearSearch(requestID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.searches[requestID]; ok && sr.gen == gen {
		delete(s.searches, requestID)
	}
}

// ActiveSearches is the number of running search loops.
func (s *MatchingService) ActiveSearches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.searches)
}

// HandleSearchTimeout moves a still pending request to timeout. It is a no-op
// for any other status.
func (s *MatchingService) HandleSearchTimeout(ctx context.Context, requestID string) error {
	unlock := s.requestLocks.Lock(requestKey(requestID))
	defer unlock()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.RequestPending {
		return nil
	}

	req.Status = models.RequestTimeout
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return err
	}
	if _, err := s.queue.Remove(ctx, req.Difficulty, req.Topic, req.ID); err != nil {
		slog.Warn("remove timed out entry", "request_id", req.ID, "error", err)
	}
	s.stopSearch(req.ID)

	s.notify(ctx, req.UserID, map[string]any{
		"type":       NotifyMatchTimeout,
		"request_id": req.ID,
		"message":    "No match found. Please try again.",
	})
	monitoring.TrackMatchOperation("timeout", "success")
	slog.Info("match request timed out", "request_id", req.ID, "user_id", req.UserID)
	return nil
}

func (s *MatchingService) CancelRequest(ctx context.Context, requestID, userID string) (*models.MatchRequest, error) {
	unlock := s.requestLocks.Lock(requestKey(requestID))
	defer unlock()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, fmt.Errorf("request %s: %w", requestID, status.ErrForbidden)
	}
	if req.Status != models.RequestPending {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, status.ErrConflict)
	}

	req.Status = models.RequestCancelled
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	if _, err := s.queue.Remove(ctx, req.Difficulty, req.Topic, req.ID); err != nil {
		slog.Warn("remove cancelled entry", "request_id", req.ID, "error", err)
	}
	s.stopSearch(req.ID)

	monitoring.TrackMatchOperation("cancel", "success")
	slog.Info("match request cancelled", "request_id", req.ID, "user_id", userID)
	return req, nil
}

// requeueLocked puts a matched request back to pending with its original
// enqueue time and starts a fresh search. If the user opened another request
// meanwhile, the old one is cancelled instead so the user keeps a single
// pending request. Callers hold the request lock.
func (s *MatchingService) requeueLocked(ctx context.Context, req *models.MatchRequest) (bool, error) {
	if req.Status != models.RequestMatched {
		return false, nil
	}

	unlock := s.userLocks.Lock(req.UserID)
	defer unlock()

	req.MatchedAt = nil
	existing, err := s.store.FindPendingRequest(ctx, req.UserID)
	switch {
	case err == nil:
		req.Status = models.RequestCancelled
		if err := s.store.UpdateRequest(ctx, req); err != nil {
			return false, err
		}
		slog.Info("matched request superseded", "request_id", req.ID, "pending_request_id", existing.ID, "user_id", req.UserID)
		return false, nil
	case !errors.Is(err, status.ErrNotFound):
		return false, err
	}

	req.Status = models.RequestPending
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return false, err
	}
	if err := s.queue.Enqueue(ctx, req.Difficulty, req.Topic, entryFor(req)); err != nil {
		return false, err
	}
	s.startSearch(req.ID, s.config.MatchSearchTimeout)
	monitoring.TrackMatchOperation("requeue", "success")
	return true, nil
}

func (s *MatchingService) GetRequest(ctx context.Context, requestID string) (*RequestView, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	view := &RequestView{MatchRequest: req}
	if req.Status == models.RequestPending {
		pos, err := s.queue.Position(ctx, req.Difficulty, req.Topic, req.ID)
		if err == nil {
			view.Queue = pos
		} else if !errors.Is(err, status.ErrNotFound) {
			slog.Warn("queue position", "request_id", req.ID, "error", err)
		}
	}
	return view, nil
}

func (s *MatchingService) GetMatch(ctx context.Context, matchID, userID string) (*models.Match, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if userID != "" && !m.HasUser(userID) {
		return nil, fmt.Errorf("match %s: %w", matchID, status.ErrForbidden)
	}
	return m, nil
}

func (s *MatchingService) notify(ctx context.Context, userID string, message map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, message); err != nil {
		slog.Warn("notify user", "user_id", userID, "type", message["type"], "error", err)
	}
}

// Shutdown stops every search loop and waits for them to exit.
func (s *MatchingService) Shutdown() {
	s.stop()
	s.wg.Wait()
}
