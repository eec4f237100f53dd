// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/errors"
	"github.com/hemant/pollq/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// FlatStore keeps every pending task as its own expiring hash in a
// redis database dedicated to pending entries. Workers sample the
// database at random, so the database must not hold anything else:
// RANDOMKEY and DBSIZE look at every key in it.
//
// Each entry has two fields: "msg", the encoded task message, and
// "lease", the unix milliseconds until which a worker holds the entry.
// Claiming never deletes an entry; it is deleted once its result has
// been written, or by redis when its ttl runs out.
type FlatStore struct {
	client   redis.UniversalClient
	ns       string
	clock    timeutil.Clock
	lease    time.Duration
	refresh  bool
	attempts int
}

var _ base.PendingStore = (*FlatStore)(nil)

// NewFlatStore returns a FlatStore backed by the given client.
func NewFlatStore(client redis.UniversalClient, opts Options) *FlatStore {
	opts = opts.withDefaults()
	return &FlatStore{
		client:   client,
		ns:       opts.Namespace,
		clock:    opts.Clock,
		lease:    opts.LeaseDuration,
		refresh:  opts.RefreshPendingTTL,
		attempts: opts.SampleAttempts,
	}
}

// SetClock sets the clock used by the store to the given clock.
func (s *FlatStore) SetClock(c timeutil.Clock) {
	s.clock = c
}

// KEYS[1] -> pollq:pending:<task key>
// ARGV[1] -> encoded task message
// ARGV[2] -> ttl in milliseconds
// ARGV[3] -> "1" to extend the ttl of an entry that already exists
//
// Output:
// Returns 1 if the entry was created.
// Returns 0 if it already existed.
var ensureFlatCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	if ARGV[3] == "1" then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
end
redis.call("HSET", KEYS[1], "msg", ARGV[1], "lease", "0")
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// Ensure creates the pending entry for msg unless it already exists.
func (s *FlatStore) Ensure(ctx context.Context, msg *base.TaskMessage, ttl time.Duration) (bool, error) {
	var op errors.Op = "rdb.FlatStore.Ensure"
	entry := *msg
	entry.Deadline = s.clock.Now().Add(ttl).UnixMilli()
	encoded, err := base.EncodeMessage(&entry)
	if err != nil {
		return false, errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	refresh := "0"
	if s.refresh {
		refresh = "1"
	}
	n, err := ensureFlatCmd.Run(ctx, s.client, []string{base.PendingKey(s.ns, msg.Key)},
		encoded, ttl.Milliseconds(), refresh).Int64()
	if err != nil {
		return false, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return n == 1, nil
}

// KEYS[1] -> pollq:pending:<task key>
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> lease expiration in unix milliseconds
//
// Output:
// Returns nil if the entry is gone or another worker holds its lease.
// Returns the encoded message otherwise, after stamping the new lease.
var claimFlatCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return nil
end
local lease = tonumber(redis.call("HGET", KEYS[1], "lease") or "0")
if lease > tonumber(ARGV[1]) then
	return nil
end
redis.call("HSET", KEYS[1], "lease", ARGV[2])
return redis.call("HGET", KEYS[1], "msg")
`)

// Dequeue samples a random pending entry and claims it.
// The types are ignored: a flat store is not partitioned.
func (s *FlatStore) Dequeue(ctx context.Context, types ...string) (*base.TaskMessage, error) {
	var op errors.Op = "rdb.FlatStore.Dequeue"
	prefix := base.PendingKeyPrefix(s.ns)
	for i := 0; i < s.attempts; i++ {
		key, err := s.client.RandomKey(ctx).Result()
		if err == redis.Nil {
			return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
		}
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: RANDOMKEY failed: %v", err))
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		now := s.clock.Now()
		data, err := claimFlatCmd.Run(ctx, s.client, []string{key},
			now.UnixMilli(), now.Add(s.lease).UnixMilli()).Text()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
		}
		msg, err := base.DecodeMessage([]byte(data))
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
		}
		return msg, nil
	}
	return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
}

// Done deletes the pending entry. It is a no-op if the entry already expired.
func (s *FlatStore) Done(ctx context.Context, msg *base.TaskMessage) error {
	var op errors.Op = "rdb.FlatStore.Done"
	if err := s.client.Del(ctx, base.PendingKey(s.ns, msg.Key)).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: DEL failed: %v", err))
	}
	return nil
}

// KEYS[1] -> pollq:pending:<task key>
// ARGV[1] -> encoded task message
//
// Output:
// Returns 1 if the entry was released, 0 if it no longer exists.
var releaseFlatCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "msg", ARGV[1], "lease", "0")
return 1
`)

// Retry records the failed attempt on the entry and releases its lease,
// leaving it for a later random draw within its original ttl.
func (s *FlatStore) Retry(ctx context.Context, msg *base.TaskMessage, errMsg string) error {
	updated := *msg
	updated.Retried++
	updated.ErrorMsg = errMsg
	updated.LastFailedAt = s.clock.Now().UnixMilli()
	return s.release(ctx, "rdb.FlatStore.Retry", &updated)
}

// Requeue releases the lease on the entry without counting an attempt.
func (s *FlatStore) Requeue(ctx context.Context, msg *base.TaskMessage) error {
	return s.release(ctx, "rdb.FlatStore.Requeue", msg)
}

func (s *FlatStore) release(ctx context.Context, op errors.Op, msg *base.TaskMessage) error {
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := releaseFlatCmd.Run(ctx, s.client, []string{base.PendingKey(s.ns, msg.Key)}, encoded).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// KEYS[1] -> pollq:pending:<task key>
// ARGV[1] -> lease expiration in unix milliseconds
//
// Output:
// Returns 1 if the lease was extended, 0 if the entry no longer exists.
var extendFlatCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "lease", ARGV[1])
return 1
`)

// Extend pushes the lease on the entry one lease duration past now.
// It is a no-op if the entry already expired.
func (s *FlatStore) Extend(ctx context.Context, msg *base.TaskMessage) error {
	var op errors.Op = "rdb.FlatStore.Extend"
	lease := s.clock.Now().Add(s.lease).UnixMilli()
	if err := extendFlatCmd.Run(ctx, s.client, []string{base.PendingKey(s.ns, msg.Key)}, lease).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// Count returns the number of keys in the pending database.
// The task type is ignored.
func (s *FlatStore) Count(ctx context.Context, tasktype string) (int64, error) {
	var op errors.Op = "rdb.FlatStore.Count"
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: DBSIZE failed: %v", err))
	}
	return n, nil
}

// DeleteExpired is a no-op: redis expires flat entries by itself.
func (s *FlatStore) DeleteExpired(ctx context.Context, tasktype string, batchSize int) (int64, error) {
	return 0, nil
}

// Types returns nil: a flat store keeps no index of task types.
func (s *FlatStore) Types(ctx context.Context) ([]string, error) {
	return nil, nil
}
