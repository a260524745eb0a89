package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"peerprep/internal/status"
	"peerprep/models"

	"github.com/redis/go-redis/v9"
)

const bucketsKey = "matching_queue:buckets"

// Removes any member with the same request_id, then inserts the new one.
// KEYS[1] bucket, KEYS[2] bucket registry
// ARGV[1] request_id, ARGV[2] member, ARGV[3] score
const enqueueScript = `
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local removed = 0
for _, m in ipairs(members) do
	local ok, e = pcall(cjson.decode, m)
	if ok and e.request_id == ARGV[1] then
		redis.call('ZREM', KEYS[1], m)
		removed = removed + 1
	end
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
redis.call('SADD', KEYS[2], KEYS[1])
return removed
`

// Picks the oldest compatible partner among the first ARGV[3] members and removes
// both the partner and the requester. Nothing else in the bucket is touched.
// Returns {-1} when the requester's own member is gone, {0} when nobody fits,
// {1, partner, partnerScore, own, ownScore} on success.
// KEYS[1] bucket
// ARGV[1] request_id, ARGV[2] user_id, ARGV[3] batch size
const pairScript = `
local own, ownScore
local all = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
for i = 1, #all, 2 do
	local ok, e = pcall(cjson.decode, all[i])
	if ok and e.request_id == ARGV[1] then
		own = all[i]
		ownScore = all[i + 1]
		break
	end
end
if not own then
	return {-1}
end

local batch = tonumber(ARGV[3])
local candidates = redis.call('ZRANGE', KEYS[1], 0, batch - 1, 'WITHSCORES')
for i = 1, #candidates, 2 do
	local ok, e = pcall(cjson.decode, candidates[i])
	if ok and e.request_id ~= ARGV[1] and e.user_id ~= ARGV[2] then
		redis.call('ZREM', KEYS[1], candidates[i], own)
		return {1, candidates[i], candidates[i + 1], own, ownScore}
	end
end
return {0}
`

// KEYS[1] bucket
// ARGV[1] request_id
const removeScript = `
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local removed = 0
for _, m in ipairs(members) do
	local ok, e = pcall(cjson.decode, m)
	if ok and e.request_id == ARGV[1] then
		redis.call('ZREM', KEYS[1], m)
		removed = removed + 1
	end
end
return removed
`

type PairOutcome int

const (
	// PairNone means no compatible partner is waiting yet.
	PairNone PairOutcome = iota
	// PairFound means both entries were taken out of the bucket.
	PairFound
	// PairConsumed means the requester's entry was already taken by another searcher.
	PairConsumed
)

type PairResult struct {
	Outcome PairOutcome
	Partner models.QueueEntry
	Own     models.QueueEntry
}

// MatchingQueue is the set of per (difficulty, topic) FIFO buckets in Redis.
type MatchingQueue struct {
	Redis     *redis.Client
	batchSize int
}

func NewMatchingQueue(redisClient *redis.Client, batchSize int) *MatchingQueue {
	if batchSize < 1 {
		batchSize = 5
	}
	return &MatchingQueue{Redis: redisClient, batchSize: batchSize}
}

func BucketKey(difficulty models.Difficulty, topic string) string {
	return fmt.Sprintf("matching_queue:%s:%s", difficulty, topic)
}

func parseBucketKey(key string) (models.Difficulty, string, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "matching_queue" {
		return "", "", false
	}
	return models.Difficulty(parts[1]), parts[2], true
}

// Enqueue is idempotent per request id.
func (q *MatchingQueue) Enqueue(ctx context.Context, difficulty models.Difficulty, topic string, entry models.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	bucket := BucketKey(difficulty, topic)
	if err := q.Redis.Eval(ctx, enqueueScript, []string{bucket, bucketsKey},
		entry.RequestID, string(data), entry.Score()).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %v: %w", entry.RequestID, err, status.ErrTransientDependency)
	}
	return nil
}

// Restore puts back an entry taken by FindPartner whose pairing could not be
// committed. The original enqueue time keeps its FIFO position.
func (q *MatchingQueue) Restore(ctx context.Context, difficulty models.Difficulty, topic string, entry models.QueueEntry) error {
	if err := q.Enqueue(ctx, difficulty, topic, entry); err != nil {
		return err
	}
	slog.Info("queue entry restored", "request_id", entry.RequestID, "bucket", BucketKey(difficulty, topic))
	return nil
}

func (q *MatchingQueue) FindPartner(ctx context.Context, difficulty models.Difficulty, topic, requestID, userID string) (*PairResult, error) {
	bucket := BucketKey(difficulty, topic)

	res, err := q.Redis.Eval(ctx, pairScript, []string{bucket}, requestID, userID, q.batchSize).Slice()
	if err != nil {
		return nil, fmt.Errorf("find partner for %s: %v: %w", requestID, err, status.ErrTransientDependency)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("find partner for %s: empty script result", requestID)
	}

	code, _ := res[0].(int64)
	switch code {
	case -1:
		return &PairResult{Outcome: PairConsumed}, nil
	case 0:
		return &PairResult{Outcome: PairNone}, nil
	}

	if len(res) != 5 {
		return nil, fmt.Errorf("find partner for %s: unexpected script result %v", requestID, res)
	}

	result := &PairResult{Outcome: PairFound}
	if err := decodeMember(res[1], &result.Partner); err != nil {
		return nil, err
	}
	if err := decodeMember(res[3], &result.Own); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeMember(v any, entry *models.QueueEntry) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("queue member has type %T", v)
	}
	if err := json.Unmarshal([]byte(s), entry); err != nil {
		return fmt.Errorf("decode queue member: %w", err)
	}
	return nil
}

// Remove reports whether an entry for requestID was present.
func (q *MatchingQueue) Remove(ctx context.Context, difficulty models.Difficulty, topic, requestID string) (bool, error) {
	n, err := q.Redis.Eval(ctx, removeScript, []string{BucketKey(difficulty, topic)}, requestID).Int64()
	if err != nil {
		return false, fmt.Errorf("remove %s: %v: %w", requestID, err, status.ErrTransientDependency)
	}
	return n > 0, nil
}

func (q *MatchingQueue) Size(ctx context.Context, difficulty models.Difficulty, topic string) (int64, error) {
	return q.Redis.ZCard(ctx, BucketKey(difficulty, topic)).Result()
}

// Entries lists a bucket oldest first with 1-based positions.
func (q *MatchingQueue) Entries(ctx context.Context, difficulty models.Difficulty, topic string) ([]models.QueuePosition, error) {
	members, err := q.Redis.ZRangeWithScores(ctx, BucketKey(difficulty, topic), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]models.QueuePosition, 0, len(members))
	for i, z := range members {
		var entry models.QueueEntry
		if err := decodeMember(z.Member, &entry); err != nil {
			slog.Warn("skipping queue member", "error", err)
			continue
		}
		out = append(out, models.QueuePosition{
			RequestID: entry.RequestID,
			UserID:    entry.UserID,
			Position:  i + 1,
			JoinedAt:  entry.EnqueuedAt,
			WaitTime:  now.Sub(entry.EnqueuedAt).Seconds(),
		})
	}
	return out, nil
}

// Position returns status.ErrNotFound when the request is not queued.
func (q *MatchingQueue) Position(ctx context.Context, difficulty models.Difficulty, topic, requestID string) (*models.QueuePosition, error) {
	entries, err := q.Entries(ctx, difficulty, topic)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].RequestID == requestID {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("request %s not queued: %w", requestID, status.ErrNotFound)
}

func (q *MatchingQueue) Buckets(ctx context.Context) ([]string, error) {
	keys, err := q.Redis.SMembers(ctx, bucketsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (q *MatchingQueue) Stats(ctx context.Context) ([]models.BucketStats, error) {
	keys, err := q.Buckets(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stats := make([]models.BucketStats, 0, len(keys))
	for _, key := range keys {
		difficulty, topic, ok := parseBucketKey(key)
		if !ok {
			continue
		}

		size, err := q.Redis.ZCard(ctx, key).Result()
		if err != nil {
			return nil, err
		}

		bs := models.BucketStats{Difficulty: difficulty, Topic: topic, Size: size}
		if size > 0 {
			oldest, err := q.Redis.ZRangeWithScores(ctx, key, 0, 0).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
			if len(oldest) == 1 {
				enqueued := time.UnixMicro(int64(oldest[0].Score))
				bs.OldestWaitSeconds = now.Sub(enqueued).Seconds()
			}
		}
		stats = append(stats, bs)
	}
	return stats, nil
}
