// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/errors"
	"github.com/hemant/pollq/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// ShardedStore partitions pending tasks by type. Each type owns a sorted
// set of task keys scored by deadline and a hash of task messages; both
// share a hash tag so a type lives on a single cluster slot.
//
// Claiming pops the entry with the earliest deadline. Entries past their
// deadline are never handed out and are purged on the way.
type ShardedStore struct {
	client  redis.UniversalClient
	ns      string
	clock   timeutil.Clock
	refresh bool
}

var _ base.PendingStore = (*ShardedStore)(nil)

// NewShardedStore returns a ShardedStore backed by the given client.
func NewShardedStore(client redis.UniversalClient, opts Options) *ShardedStore {
	opts = opts.withDefaults()
	return &ShardedStore{
		client:  client,
		ns:      opts.Namespace,
		clock:   opts.Clock,
		refresh: opts.RefreshPendingTTL,
	}
}

// SetClock sets the clock used by the store to the given clock.
func (s *ShardedStore) SetClock(c timeutil.Clock) {
	s.clock = c
}

// KEYS[1] -> pollq:{<type>}:pending
// KEYS[2] -> pollq:{<type>}:msg
// ARGV[1] -> task key
// ARGV[2] -> encoded task message
// ARGV[3] -> deadline in unix milliseconds
// ARGV[4] -> "1" to push back the deadline of a live entry
// ARGV[5] -> current unix time in milliseconds
//
// Output:
// Returns 1 if the entry was created.
// Returns 0 if a live entry already existed.
var ensureShardedCmd = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if score and tonumber(score) > tonumber(ARGV[5]) then
	if ARGV[4] == "1" then
		redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
	end
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Ensure creates the pending entry for msg unless a live one already exists.
func (s *ShardedStore) Ensure(ctx context.Context, msg *base.TaskMessage, ttl time.Duration) (bool, error) {
	var op errors.Op = "rdb.ShardedStore.Ensure"
	now := s.clock.Now()
	entry := *msg
	entry.Deadline = now.Add(ttl).UnixMilli()
	encoded, err := base.EncodeMessage(&entry)
	if err != nil {
		return false, errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	refresh := "0"
	if s.refresh {
		refresh = "1"
	}
	keys := []string{
		base.PendingSetKey(s.ns, msg.Type),
		base.MessagesKey(s.ns, msg.Type),
	}
	n, err := ensureShardedCmd.Run(ctx, s.client, keys,
		msg.Key, encoded, entry.Deadline, refresh, now.UnixMilli()).Int64()
	if err != nil {
		return false, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	if n == 0 {
		return false, nil
	}
	// The type index lives outside the type's hash slot.
	if err := s.client.SAdd(ctx, base.AllTypes(s.ns), msg.Type).Err(); err != nil {
		return true, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: SADD failed: %v", err))
	}
	return true, nil
}

// KEYS[1] -> pollq:{<type>}:pending
// KEYS[2] -> pollq:{<type>}:msg
// ARGV[1] -> current unix time in milliseconds
//
// Output:
// Returns nil if no live entry is left.
// Returns {encoded message, deadline} of the popped entry otherwise.
// Entries past their deadline are removed while searching.
var claimShardedCmd = redis.NewScript(`
while true do
	local popped = redis.call("ZPOPMIN", KEYS[1])
	if #popped == 0 then
		return nil
	end
	local msg = redis.call("HGET", KEYS[2], popped[1])
	redis.call("HDEL", KEYS[2], popped[1])
	if msg and tonumber(popped[2]) > tonumber(ARGV[1]) then
		return {msg, popped[2]}
	end
end
`)

// Dequeue claims the live entry with the earliest deadline, looking at the
// given types in order. With no types it looks at every known type.
func (s *ShardedStore) Dequeue(ctx context.Context, types ...string) (*base.TaskMessage, error) {
	var op errors.Op = "rdb.ShardedStore.Dequeue"
	if len(types) == 0 {
		known, err := s.Types(ctx)
		if err != nil {
			return nil, err
		}
		types = known
	}
	for _, tasktype := range types {
		keys := []string{
			base.PendingSetKey(s.ns, tasktype),
			base.MessagesKey(s.ns, tasktype),
		}
		res, err := claimShardedCmd.Run(ctx, s.client, keys, s.clock.Now().UnixMilli()).Slice()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
		}
		if len(res) != 2 {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from claim script: %v", res))
		}
		data, err := cast.ToStringE(res[0])
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected message from claim script: %v", err))
		}
		deadline, err := parseScore(res[1])
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected score from claim script: %v", err))
		}
		msg, err := base.DecodeMessage([]byte(data))
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
		}
		msg.Deadline = deadline
		return msg, nil
	}
	return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
}

// Done removes whatever is left of the entry.
func (s *ShardedStore) Done(ctx context.Context, msg *base.TaskMessage) error {
	var op errors.Op = "rdb.ShardedStore.Done"
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, base.PendingSetKey(s.ns, msg.Type), msg.Key)
		pipe.HDel(ctx, base.MessagesKey(s.ns, msg.Type), msg.Key)
		return nil
	})
	if err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis transaction error: %v", err))
	}
	return nil
}

// KEYS[1] -> pollq:{<type>}:pending
// KEYS[2] -> pollq:{<type>}:msg
// ARGV[1] -> task key
// ARGV[2] -> encoded task message
// ARGV[3] -> deadline in unix milliseconds
// ARGV[4] -> current unix time in milliseconds
//
// Output:
// Returns 1 if the entry was put back.
// Returns 0 if another entry for the same key was created meanwhile.
// Returns -1 if the deadline has passed.
var putBackShardedCmd = redis.NewScript(`
if tonumber(ARGV[3]) <= tonumber(ARGV[4]) then
	return -1
end
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Retry puts a claimed task back with its failed attempt recorded.
// The entry keeps its original deadline.
func (s *ShardedStore) Retry(ctx context.Context, msg *base.TaskMessage, errMsg string) error {
	updated := *msg
	updated.Retried++
	updated.ErrorMsg = errMsg
	updated.LastFailedAt = s.clock.Now().UnixMilli()
	return s.putBack(ctx, "rdb.ShardedStore.Retry", &updated)
}

// Requeue puts a claimed task back without counting an attempt.
func (s *ShardedStore) Requeue(ctx context.Context, msg *base.TaskMessage) error {
	return s.putBack(ctx, "rdb.ShardedStore.Requeue", msg)
}

func (s *ShardedStore) putBack(ctx context.Context, op errors.Op, msg *base.TaskMessage) error {
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.PendingSetKey(s.ns, msg.Type),
		base.MessagesKey(s.ns, msg.Type),
	}
	n, err := putBackShardedCmd.Run(ctx, s.client, keys,
		msg.Key, encoded, msg.Deadline, s.clock.Now().UnixMilli()).Int64()
	if err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	if n == -1 {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("deadline passed for task %s", msg.Key))
	}
	return nil
}

// Extend is a no-op: a claimed entry has been popped, so no other worker
// can claim it until it is put back.
func (s *ShardedStore) Extend(ctx context.Context, msg *base.TaskMessage) error {
	return nil
}

// Count returns the number of live entries of the given type.
func (s *ShardedStore) Count(ctx context.Context, tasktype string) (int64, error) {
	var op errors.Op = "rdb.ShardedStore.Count"
	now := s.clock.Now().UnixMilli()
	n, err := s.client.ZCount(ctx, base.PendingSetKey(s.ns, tasktype), fmt.Sprintf("(%d", now), "+inf").Result()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: ZCOUNT failed: %v", err))
	}
	return n, nil
}

// KEYS[1] -> pollq:{<type>}:pending
// KEYS[2] -> pollq:{<type>}:msg
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> batch size
//
// Output:
// Returns the number of entries deleted.
var deleteExpiredCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("HDEL", KEYS[2], id)
end
return #ids
`)

// DeleteExpired deletes up to batchSize entries of the given type whose
// deadline has passed.
func (s *ShardedStore) DeleteExpired(ctx context.Context, tasktype string, batchSize int) (int64, error) {
	var op errors.Op = "rdb.ShardedStore.DeleteExpired"
	if batchSize <= 0 {
		return 0, errors.E(op, errors.InvalidArgument, "batch size must be positive")
	}
	keys := []string{
		base.PendingSetKey(s.ns, tasktype),
		base.MessagesKey(s.ns, tasktype),
	}
	n, err := deleteExpiredCmd.Run(ctx, s.client, keys, s.clock.Now().UnixMilli(), batchSize).Int64()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return n, nil
}

// Types returns every task type that has had a pending entry, sorted.
func (s *ShardedStore) Types(ctx context.Context) ([]string, error) {
	var op errors.Op = "rdb.ShardedStore.Types"
	types, err := s.client.SMembers(ctx, base.AllTypes(s.ns)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: SMEMBERS failed: %v", err))
	}
	sort.Strings(types)
	return types, nil
}
