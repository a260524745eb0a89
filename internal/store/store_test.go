package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"peerprep/internal/status"
	"peerprep/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RequestLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := &models.MatchRequest{
		UserID:     "u1",
		Difficulty: models.DifficultyEasy,
		Topic:      "arrays",
		Status:     models.RequestPending,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.CreateRequest(ctx, req))
	require.NotEmpty(t, req.ID)

	pending, err := s.FindPendingRequest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, pending.ID)

	now := time.Now()
	pending.Status = models.RequestMatched
	pending.MatchedAt = &now
	require.NoError(t, s.UpdateRequest(ctx, pending))

	_, err = s.FindPendingRequest(ctx, "u1")
	assert.ErrorIs(t, err, status.ErrNotFound)

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestMatched, got.Status)
	require.NotNil(t, got.MatchedAt)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	m := &models.Match{User1ID: "a", User2ID: "b"}
	require.NoError(t, s.CreateMatch(ctx, m))

	got, err := s.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	got.User1Confirmed = true

	again, err := s.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, again.User1Confirmed)
}

func TestMemoryStore_ListsAreOrderedByCreation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i, user := range []string{"c", "a", "b"} {
		require.NoError(t, s.CreateRequest(ctx, &models.MatchRequest{
			UserID:    user,
			Status:    models.RequestPending,
			CreatedAt: base.Add(time.Duration(2-i) * time.Second),
		}))
	}

	pending, err := s.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "b", pending[0].UserID)
	assert.Equal(t, "a", pending[1].UserID)
	assert.Equal(t, "c", pending[2].UserID)
}

func TestMemoryStore_Matches(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	open := &models.Match{User1ID: "a", User2ID: "b", CreatedAt: time.Now()}
	done := &models.Match{User1ID: "c", User2ID: "d", User1Confirmed: true, User2Confirmed: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateMatch(ctx, open))
	require.NoError(t, s.CreateMatch(ctx, done))

	unconfirmed, err := s.ListUnconfirmedMatches(ctx)
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, open.ID, unconfirmed[0].ID)

	require.NoError(t, s.DeleteMatch(ctx, open.ID))
	require.NoError(t, s.DeleteMatch(ctx, open.ID))

	_, err = s.GetMatch(ctx, open.ID)
	assert.ErrorIs(t, err, status.ErrNotFound)

	err = s.UpdateMatch(ctx, open)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func setupSnapshotStore(t *testing.T) (*SnapshotStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSnapshotStore(client, time.Hour), mr
}

func TestSnapshotStore_LoadMissingIsNotReady(t *testing.T) {
	s, _ := setupSnapshotStore(t)

	_, err := s.Load(context.Background(), "missing")

	assert.ErrorIs(t, err, status.ErrNotReady)
}

func TestSnapshotStore_CreateIfAbsentOnlyOnce(t *testing.T) {
	s, mr := setupSnapshotStore(t)
	ctx := context.Background()

	first := &models.SessionSnapshot{SessionID: "s1", Participants: []string{"a", "b"}, Language: "python"}
	second := &models.SessionSnapshot{SessionID: "s1", Participants: []string{"x", "y"}, Language: "go"}

	created, err := s.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Participants)
	assert.Equal(t, "python", got.Language)
	assert.Equal(t, time.Hour, mr.TTL(SnapshotKey("s1")))
}

func TestSnapshotStore_SaveOverwritesAndDelete(t *testing.T) {
	s, _ := setupSnapshotStore(t)
	ctx := context.Background()

	snap := &models.SessionSnapshot{SessionID: "s2", Code: "print(1)"}
	require.NoError(t, s.Save(ctx, snap))

	snap.Code = "print(2)"
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "print(2)", got.Code)

	exists, err := s.Exists(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, "s2"))
	exists, err = s.Exists(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSnapshotStore_RedisErrorIsTransient(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewSnapshotStore(db, time.Minute)

	mock.ExpectGet("collab:session:s3").SetErr(errors.New("connection refused"))

	_, err := s.Load(context.Background(), "s3")

	assert.ErrorIs(t, err, status.ErrTransientDependency)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStore_CreateIfAbsentCommand(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewSnapshotStore(db, time.Minute)

	snap := &models.SessionSnapshot{SessionID: "s4", Participants: []string{"a", "b"}}
	data, _ := json.Marshal(snap)
	mock.ExpectSetNX("collab:session:s4", data, time.Minute).SetVal(true)

	created, err := s.CreateIfAbsent(context.Background(), snap)

	assert.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
