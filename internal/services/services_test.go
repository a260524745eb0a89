package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peerprep/config"
	"peerprep/internal/status"
	"peerprep/internal/store"
	"peerprep/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePicker struct {
	exercise *models.Exercise
	err      error
	calls    int32
}

func (f *fakePicker) Pick(ctx context.Context, difficulty models.Difficulty, topics []string) (*models.Exercise, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.exercise, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	events []models.SessionReadyEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, v.(models.SessionReadyEvent))
	return nil
}

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) published() []models.SessionReadyEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SessionReadyEvent(nil), p.events...)
}

type harness struct {
	cfg          *config.Config
	store        *store.MemoryStore
	snapshots    *store.SnapshotStore
	queue        *MatchingQueue
	notifier     *RecordingNotifier
	picker       *fakePicker
	publisher    *recordingPublisher
	matching     *MatchingService
	confirmation *ConfirmationService
	mr           *miniredis.Miniredis
}

func testConfig() *config.Config {
	return &config.Config{
		MatchSearchInterval: 20 * time.Millisecond,
		MatchSearchTimeout:  5 * time.Second,
		ConfirmTimeout:      5 * time.Second,
		PairBatchSize:       5,
		DefaultLanguage:     "python",
		SessionTTL:          time.Hour,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	client, mr := setupMiniredis(t)

	h := &harness{
		cfg:       cfg,
		store:     store.NewMemoryStore(),
		snapshots: store.NewSnapshotStore(client, cfg.SessionTTL),
		queue:     NewMatchingQueue(client, cfg.PairBatchSize),
		notifier:  NewRecordingNotifier(),
		picker:    &fakePicker{exercise: &models.Exercise{ID: "q1", Title: "Two Sum", Difficulty: models.DifficultyEasy, Topics: []string{"arrays"}}},
		publisher: &recordingPublisher{},
		mr:        mr,
	}
	h.matching = NewMatchingService(h.store, h.queue, h.notifier, cfg)
	handoff := NewHandoffService(h.snapshots, h.picker, h.publisher, cfg)
	h.confirmation = NewConfirmationService(h.store, h.matching, handoff, h.notifier, cfg)
	h.matching.OnPaired(h.confirmation.ArmTimer)

	t.Cleanup(func() {
		h.confirmation.Shutdown()
		h.matching.Shutdown()
	})
	return h
}

func (h *harness) waitForMatch(t *testing.T) *models.Match {
	t.Helper()
	var match *models.Match
	require.Eventually(t, func() bool {
		matches, err := h.store.ListUnconfirmedMatches(context.Background())
		if err != nil || len(matches) == 0 {
			return false
		}
		match = matches[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return match
}

func (h *harness) pair(t *testing.T, a, b string) (*models.MatchRequest, *models.MatchRequest, *models.Match) {
	t.Helper()
	ctx := context.Background()

	reqA, err := h.matching.CreateRequest(ctx, a, models.DifficultyEasy, "arrays")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	reqB, err := h.matching.CreateRequest(ctx, b, models.DifficultyEasy, "arrays")
	require.NoError(t, err)

	return reqA, reqB, h.waitForMatch(t)
}

func (h *harness) requestStatus(t *testing.T, id string) models.RequestStatus {
	t.Helper()
	req, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req.Status
}

// Matching

func TestMatchingService_CreateRequestValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name       string
		userID     string
		difficulty models.Difficulty
		topic      string
	}{
		{"missing user", "", models.DifficultyEasy, "arrays"},
		{"bad difficulty", "u1", models.Difficulty("Extreme"), "arrays"},
		{"lowercase difficulty", "u1", models.Difficulty("easy"), "arrays"},
		{"blank topic", "u1", models.DifficultyHard, "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.matching.CreateRequest(ctx, tt.userID, tt.difficulty, tt.topic)
			assert.ErrorIs(t, err, status.ErrValidation)
		})
	}
}

func TestMatchingService_OnePendingRequestPerUser(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.matching.CreateRequest(ctx, "u1", models.DifficultyEasy, "arrays")
	require.NoError(t, err)

	_, err = h.matching.CreateRequest(ctx, "u1", models.DifficultyHard, "graphs")
	assert.ErrorIs(t, err, status.ErrAlreadyPending)
	assert.Equal(t, "conflict", status.Code(err))
}

func TestMatchingService_PairsEarlierWaiterAsUser1(t *testing.T) {
	h := newHarness(t, testConfig())

	reqA, reqB, match := h.pair(t, "alice", "bob")

	assert.Equal(t, "alice", match.User1ID)
	assert.Equal(t, "bob", match.User2ID)
	assert.Equal(t, reqA.ID, match.Request1ID)
	assert.Equal(t, reqB.ID, match.Request2ID)
	assert.False(t, match.User1Confirmed)
	assert.False(t, match.User2Confirmed)
	assert.Empty(t, match.SessionID)

	assert.Eventually(t, func() bool {
		return h.requestStatus(t, reqA.ID) == models.RequestMatched &&
			h.requestStatus(t, reqB.ID) == models.RequestMatched
	}, time.Second, 10*time.Millisecond)

	size, err := h.queue.Size(context.Background(), models.DifficultyEasy, "arrays")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	assert.Contains(t, h.notifier.Types("alice"), NotifyMatchFound)
	assert.Contains(t, h.notifier.Types("bob"), NotifyMatchFound)
	assert.Equal(t, "bob", h.notifier.Last("alice")["partner_id"])
	assert.Equal(t, 1, h.confirmation.PendingTimers())
	assert.Eventually(t, func() bool { return h.matching.ActiveSearches() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMatchingService_DifferentBucketsNeverPair(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.matching.CreateRequest(ctx, "u1", models.DifficultyEasy, "arrays")
	require.NoError(t, err)
	_, err = h.matching.CreateRequest(ctx, "u2", models.DifficultyEasy, "graphs")
	require.NoError(t, err)
	_, err = h.matching.CreateRequest(ctx, "u3", models.DifficultyHard, "arrays")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	matches, err := h.store.ListUnconfirmedMatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMatchingService_ConcurrentRequestsPairExactlyOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	const users = 10
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.matching.CreateRequest(ctx, fmt.Sprintf("user-%d", i), models.DifficultyMedium, "dp")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		pending, _ := h.store.ListPendingRequests(ctx)
		return len(pending) == 0
	}, 3*time.Second, 20*time.Millisecond)

	matches, err := h.store.ListUnconfirmedMatches(ctx)
	require.NoError(t, err)
	require.Len(t, matches, users/2)

	seenUsers := map[string]int{}
	seenRequests := map[string]int{}
	for _, m := range matches {
		assert.NotEqual(t, m.User1ID, m.User2ID)
		seenUsers[m.User1ID]++
		seenUsers[m.User2ID]++
		seenRequests[m.Request1ID]++
		seenRequests[m.Request2ID]++
	}
	assert.Len(t, seenUsers, users)
	for user, n := range seenUsers {
		assert.Equal(t, 1, n, "user %s paired %d times", user, n)
	}
	for req, n := range seenRequests {
		assert.Equal(t, 1, n, "request %s paired %d times", req, n)
	}
}

func TestMatchingService_SearchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MatchSearchTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	req, err := h.matching.CreateRequest(context.Background(), "lonely", models.DifficultyHard, "graphs")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return h.requestStatus(t, req.ID) == models.RequestTimeout
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{NotifyMatchTimeout}, h.notifier.Types("lonely"))
	size, err := h.queue.Size(context.Background(), models.DifficultyHard, "graphs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	assert.Eventually(t, func() bool { return h.matching.ActiveSearches() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMatchingService_HandleSearchTimeoutIgnoresNonPending(t *testing.T) {
	h := newHarness(t, testConfig())

	reqA, _, _ := h.pair(t, "alice", "bob")

	require.NoError(t, h.matching.HandleSearchTimeout(context.Background(), reqA.ID))
	require.NoError(t, h.matching.HandleSearchTimeout(context.Background(), reqA.ID))

	assert.Equal(t, models.RequestMatched, h.requestStatus(t, reqA.ID))
	assert.NotContains(t, h.notifier.Types("alice"), NotifyMatchTimeout)
}

func TestMatchingService_CancelRequest(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	req, err := h.matching.CreateRequest(ctx, "u1", models.DifficultyEasy, "arrays")
	require.NoError(t, err)

	_, err = h.matching.CancelRequest(ctx, req.ID, "someone-else")
	assert.ErrorIs(t, err, status.ErrForbidden)

	cancelled, err := h.matching.CancelRequest(ctx, req.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, cancelled.Status)

	_, err = h.matching.CancelRequest(ctx, req.ID, "u1")
	assert.ErrorIs(t, err, status.ErrConflict)

	size, err := h.queue.Size(ctx, models.DifficultyEasy, "arrays")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	// a new request is allowed once the old one is no longer pending
	_, err = h.matching.CreateRequest(ctx, "u1", models.DifficultyEasy, "arrays")
	assert.NoError(t, err)
}

func TestMatchingService_GetRequestShowsQueuePosition(t *testing.T) {
	cfg := testConfig()
	cfg.MatchSearchInterval = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	req, err := h.matching.CreateRequest(ctx, "u1", models.DifficultyEasy, "arrays")
	require.NoError(t, err)

	view, err := h.matching.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Queue)
	assert.Equal(t, 1, view.Queue.Position)

	_, err = h.matching.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestMatchingService_GetMatchChecksParticipant(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, match := h.pair(t, "alice", "bob")

	got, err := h.matching.GetMatch(context.Background(), match.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, match.ID, got.ID)

	_, err = h.matching.GetMatch(context.Background(), match.ID, "mallory")
	assert.ErrorIs(t, err, status.ErrForbidden)
}

// Confirmation

func TestConfirmation_OneAcceptWaitsForPartner(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, match := h.pair(t, "alice", "bob")

	res, err := h.confirmation.Confirm(context.Background(), match.ID, "alice", true)
	require.NoError(t, err)

	assert.Equal(t, models.MatchPaired, res.State)
	assert.Equal(t, "bob", res.PartnerID)
	assert.Empty(t, res.SessionID)

	stored, err := h.store.GetMatch(context.Background(), match.ID)
	require.NoError(t, err)
	assert.True(t, stored.User1Confirmed)
	assert.False(t, stored.User2Confirmed)
	assert.Empty(t, h.publisher.published())
}

func TestConfirmation_BothAcceptStartsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	_, _, match := h.pair(t, "alice", "bob")

	_, err := h.confirmation.Confirm(ctx, match.ID, "alice", true)
	require.NoError(t, err)
	res, err := h.confirmation.Confirm(ctx, match.ID, "bob", true)
	require.NoError(t, err)

	assert.Equal(t, models.MatchBothConfirmed, res.State)
	require.NotEmpty(t, res.SessionID)
	require.NotNil(t, res.Exercise)
	assert.Equal(t, "q1", res.Exercise.ID)

	stored, err := h.store.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, stored.SessionID)
	assert.NotNil(t, stored.ConfirmedAt)

	snap, err := h.snapshots.Load(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, snap.Participants)
	assert.Equal(t, "python", snap.Language)
	assert.Equal(t, "", snap.Code)

	events := h.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, res.SessionID, events[0].SessionID)
	assert.Equal(t, 0, h.confirmation.PendingTimers())
	assert.Contains(t, h.notifier.Types("alice"), NotifySessionReady)

	// a repeated accept returns the same session and publishes nothing new
	again, err := h.confirmation.Confirm(ctx, match.ID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, again.SessionID)
	assert.Len(t, h.publisher.published(), 1)
}

func TestConfirmation_ConcurrentAcceptsCreateOneSession(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, match := h.pair(t, "alice", "bob")

	var wg sync.WaitGroup
	results := make([]*models.ConfirmResult, 2)
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			res, err := h.confirmation.Confirm(context.Background(), match.ID, user, true)
			assert.NoError(t, err)
			results[i] = res
		}(i, user)
	}
	wg.Wait()

	var sessionIDs []string
	for _, r := range results {
		if r.State == models.MatchBothConfirmed {
			sessionIDs = append(sessionIDs, r.SessionID)
		}
	}
	require.Len(t, sessionIDs, 1)
	assert.Len(t, h.publisher.published(), 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.picker.calls))
}

func TestConfirmation_NonParticipantIsForbidden(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, match := h.pair(t, "alice", "bob")

	_, err := h.confirmation.Confirm(context.Background(), match.ID, "mallory", true)
	assert.ErrorIs(t, err, status.ErrForbidden)

	_, err = h.confirmation.Confirm(context.Background(), "missing", "alice", true)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestConfirmation_DeclineRequeuesPartner(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()
	reqA, reqB, match := h.pair(t, "alice", "bob")

	res, err := h.confirmation.Confirm(ctx, match.ID, "bob", false)
	require.NoError(t, err)

	assert.Equal(t, models.MatchDeclined, res.State)
	assert.Equal(t, "alice", res.PartnerID)
	assert.True(t, res.Requeued)

	_, err = h.store.GetMatch(ctx, match.ID)
	assert.ErrorIs(t, err, status.ErrNotFound)

	assert.Equal(t, models.RequestCancelled, h.requestStatus(t, reqB.ID))

	alice, err := h.store.GetRequest(ctx, reqA.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, alice.Status)
	assert.Nil(t, alice.MatchedAt)

	entries, err := h.queue.Entries(ctx, models.DifficultyEasy, "arrays")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, reqA.ID, entries[0].RequestID)
	assert.True(t, entries[0].JoinedAt.Equal(reqA.CreatedAt))

	assert.Equal(t, NotifyMatchDeclined, h.notifier.Last("alice")["type"])
	assert.Equal(t, 0, h.confirmation.PendingTimers())
}

func TestConfirmation_DeclineCancelsSupersededRequest(t *testing.T) {
	cfg := testConfig()
	cfg.MatchSearchInterval = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()
	reqA, _, match := h.pair(t, "alice", "bob")

	// alice is matched, so a new request is accepted
	second, err := h.matching.CreateRequest(ctx, "alice", models.DifficultyHard, "graphs")
	require.NoError(t, err)

	res, err := h.confirmation.Confirm(ctx, match.ID, "bob", false)
	require.NoError(t, err)
	assert.False(t, res.Requeued)

	assert.Equal(t, models.RequestCancelled, h.requestStatus(t, reqA.ID))
	assert.Equal(t, models.RequestPending, h.requestStatus(t, second.ID))

	pending, err := h.store.FindPendingRequest(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.ID, pending.ID)

	size, err := h.queue.Size(ctx, models.DifficultyEasy, "arrays")
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Equal(t, false, h.notifier.Last("alice")["requeued"])
}

func TestConfirmation_DeclineAfterBothConfirmedConflicts(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	_, _, match := h.pair(t, "alice", "bob")

	_, err := h.confirmation.Confirm(ctx, match.ID, "alice", true)
	require.NoError(t, err)
	_, err = h.confirmation.Confirm(ctx, match.ID, "bob", true)
	require.NoError(t, err)

	_, err = h.confirmation.Confirm(ctx, match.ID, "alice", false)
	assert.ErrorIs(t, err, status.ErrConflict)
}

func TestConfirmation_TimeoutExpiresAndRequeuesBoth(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	cfg.MatchSearchInterval = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()
	_, _, match := h.pair(t, "alice", "bob")

	require.Eventually(t, func() bool {
		_, err := h.store.GetMatch(ctx, match.ID)
		return errors.Is(err, status.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return contains(h.notifier.Types("alice"), NotifyMatchExpired) &&
			contains(h.notifier.Types("bob"), NotifyMatchExpired)
	}, time.Second, 10*time.Millisecond)

	// both are back in the queue, so the fresh search loops pair them again
	assert.Eventually(t, func() bool {
		return count(h.notifier.Types("alice"), NotifyMatchFound) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfirmation_TimeoutAfterConfirmIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	_, _, match := h.pair(t, "alice", "bob")

	_, err := h.confirmation.Confirm(ctx, match.ID, "alice", true)
	require.NoError(t, err)
	_, err = h.confirmation.Confirm(ctx, match.ID, "bob", true)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	h.confirmation.expire(match.ID)

	stored, err := h.store.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.True(t, stored.BothConfirmed())
	assert.NotContains(t, h.notifier.Types("alice"), NotifyMatchExpired)
}

// Handoff

func TestHandoff_PublishFailureRollsBackSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	_, _, match := h.pair(t, "alice", "bob")

	h.publisher.setErr(errors.New("broker unreachable"))

	_, err := h.confirmation.Confirm(ctx, match.ID, "alice", true)
	require.NoError(t, err)
	_, err = h.confirmation.Confirm(ctx, match.ID, "bob", true)
	assert.ErrorIs(t, err, status.ErrTransientDependency)

	// the second accept is not recorded and the window keeps running
	stored, err := h.store.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.False(t, stored.BothConfirmed())
	assert.Empty(t, stored.SessionID)
	assert.Equal(t, 1, h.confirmation.PendingTimers())

	sessionID := SessionIDFor(match.ID)
	exists, err := h.snapshots.Exists(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, exists)

	h.publisher.setErr(nil)
	res, err := h.confirmation.Confirm(ctx, match.ID, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, sessionID, res.SessionID)
	assert.Len(t, h.publisher.published(), 1)
	assert.Equal(t, 0, h.confirmation.PendingTimers())
}

func TestHandoff_FailedHandoffCanStillExpire(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = 250 * time.Millisecond
	cfg.MatchSearchInterval = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()
	_, _, match := h.pair(t, "alice", "bob")

	h.publisher.setErr(errors.New("broker unreachable"))
	_, err := h.confirmation.Confirm(ctx, match.ID, "alice", true)
	require.NoError(t, err)
	_, err = h.confirmation.Confirm(ctx, match.ID, "bob", true)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		_, err := h.store.GetMatch(ctx, match.ID)
		return errors.Is(err, status.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return contains(h.notifier.Types("alice"), NotifyMatchExpired) &&
			contains(h.notifier.Types("bob"), NotifyMatchExpired)
	}, time.Second, 10*time.Millisecond)

	// both requests went back to the queue and were paired into a new match
	assert.Eventually(t, func() bool {
		return count(h.notifier.Types("alice"), NotifyMatchFound) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandoff_NoExerciseReleasesMatch(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	_, _, match := h.pair(t, "alice", "bob")
	h.picker.err = fmt.Errorf("difficulty=Easy: %w", status.ErrNoExercise)

	_, err := h.confirmation.Confirm(ctx, match.ID, "alice", true)
	require.NoError(t, err)
	_, err = h.confirmation.Confirm(ctx, match.ID, "bob", true)

	assert.ErrorIs(t, err, status.ErrNoExercise)
	assert.Equal(t, "dependency_error", status.Code(err))
	assert.Empty(t, h.publisher.published())

	_, err = h.store.GetMatch(ctx, match.ID)
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.Contains(t, h.notifier.Types("alice"), NotifyMatchCancelled)
	assert.Contains(t, h.notifier.Types("bob"), NotifyMatchCancelled)

	// the pair is not stuck: both were requeued and matched again
	assert.Eventually(t, func() bool {
		return count(h.notifier.Types("alice"), NotifyMatchFound) >= 2 &&
			count(h.notifier.Types("bob"), NotifyMatchFound) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandoff_ExistingSnapshotIsReused(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	handoff := NewHandoffService(h.snapshots, h.picker, h.publisher, h.cfg)

	m := &models.Match{ID: "m1", SessionID: "s1", User1ID: "a", User2ID: "b", Difficulty: models.DifficultyEasy, Topic: "arrays"}
	first, created, err := handoff.Start(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := handoff.Start(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, h.publisher.published(), 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.picker.calls))
}

// Restore

func TestRestoreState(t *testing.T) {
	cfg := testConfig()
	cfg.MatchSearchInterval = time.Hour
	cfg.MatchSearchTimeout = time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()

	fresh := &models.MatchRequest{UserID: "fresh", Difficulty: models.DifficultyEasy, Topic: "arrays",
		Status: models.RequestPending, CreatedAt: time.Now().UTC().Truncate(time.Microsecond)}
	stale := &models.MatchRequest{UserID: "stale", Difficulty: models.DifficultyEasy, Topic: "graphs",
		Status: models.RequestPending, CreatedAt: time.Now().Add(-2 * time.Minute)}
	require.NoError(t, h.store.CreateRequest(ctx, fresh))
	require.NoError(t, h.store.CreateRequest(ctx, stale))

	open := &models.Match{User1ID: "x", User2ID: "y", CreatedAt: time.Now()}
	require.NoError(t, h.store.CreateMatch(ctx, open))

	require.NoError(t, RestoreState(ctx, h.matching, h.confirmation))

	pos, err := h.queue.Position(ctx, models.DifficultyEasy, "arrays", fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Position)
	assert.Equal(t, 1, h.matching.ActiveSearches())

	assert.Equal(t, models.RequestTimeout, h.requestStatus(t, stale.ID))
	assert.Equal(t, 1, h.confirmation.PendingTimers())
}

func contains(list []string, s string) bool {
	return count(list, s) > 0
}

func count(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}
