// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
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

const (
	// Archived entries older than this are trimmed.
	archivedExpiration = 7 * 24 * time.Hour
	// Maximum number of archived entries kept.
	maxArchiveSize = 10000
)

// Options configures the redis backed stores.
type Options struct {
	// Namespace prefixes every key. Defaults to base.DefaultNamespace.
	Namespace string

	// Clock used for deadlines. Defaults to the real clock.
	Clock timeutil.Clock

	// LeaseDuration is how long a flat-store claim keeps other workers away
	// from an entry. Defaults to 30 seconds.
	LeaseDuration time.Duration

	// RefreshPendingTTL makes Ensure extend the expiry of an entry that is
	// already pending.
	RefreshPendingTTL bool

	// SampleAttempts is the number of random draws a flat-store Dequeue makes
	// before reporting that nothing is claimable. Defaults to 3.
	SampleAttempts int
}

const (
	defaultLeaseDuration  = 30 * time.Second
	defaultSampleAttempts = 3
)

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = base.DefaultNamespace
	}
	if o.Clock == nil {
		o.Clock = timeutil.NewRealClock()
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = defaultLeaseDuration
	}
	if o.SampleAttempts <= 0 {
		o.SampleAttempts = defaultSampleAttempts
	}
	return o
}

// RDB is a client interface to query and mutate task queues.
//
// Results, archived tasks and server state live in the result database;
// pending entries live wherever the embedded PendingStore keeps them.
type RDB struct {
	base.PendingStore

	client  redis.UniversalClient
	pending redis.UniversalClient
	ns      string
	clock   timeutil.Clock
}

// NewRDB returns a new instance of RDB.
func NewRDB(results, pending redis.UniversalClient, store base.PendingStore, opts Options) *RDB {
	opts = opts.withDefaults()
	return &RDB{
		PendingStore: store,
		client:       results,
		pending:      pending,
		ns:           opts.Namespace,
		clock:        opts.Clock,
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	err := r.client.Close()
	if r.pending != nil && r.pending != r.client {
		if perr := r.pending.Close(); err == nil {
			err = perr
		}
	}
	return err
}

// Client returns the reference to underlying redis client of the result database.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// Namespace returns the key prefix used by r.
func (r *RDB) Namespace() string {
	return r.ns
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	ctx := context.Background()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if r.pending != nil && r.pending != r.client {
		return r.pending.Ping(ctx).Err()
	}
	return nil
}

// GetResult returns the cached result for the given task key.
func (r *RDB) GetResult(ctx context.Context, key string) (*base.ResultMessage, error) {
	var op errors.Op = "rdb.GetResult"
	data, err := r.client.Get(ctx, base.ResultKey(r.ns, key)).Bytes()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrResultNotFound)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: GET failed: %v", err))
	}
	msg, err := base.DecodeResult(data)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode result: %v", err))
	}
	return msg, nil
}

// WriteResult writes the result of a completed task with the given ttl,
// overwriting any previous value.
func (r *RDB) WriteResult(ctx context.Context, msg *base.ResultMessage, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteResult"
	encoded, err := base.EncodeResult(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode result: %v", err))
	}
	if err := r.client.Set(ctx, base.ResultKey(r.ns, msg.Key), encoded, ttl).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: SET failed: %v", err))
	}
	return nil
}

// Archive records a task that was dropped after failing permanently.
// Old entries are trimmed by age and count.
func (r *RDB) Archive(ctx context.Context, msg *base.TaskMessage, errMsg string) error {
	var op errors.Op = "rdb.Archive"
	now := r.clock.Now()
	archived := *msg
	archived.ErrorMsg = errMsg
	archived.LastFailedAt = now.UnixMilli()
	encoded, err := base.EncodeMessage(&archived)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	key := base.ArchivedKey(r.ns)
	cutoff := now.Add(-archivedExpiration).UnixMilli()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: encoded})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprint(cutoff))
		pipe.ZRemRangeByRank(ctx, key, 0, -maxArchiveSize-1)
		return nil
	})
	if err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis transaction error: %v", err))
	}
	return nil
}

// ListArchived returns up to n most recently archived tasks.
func (r *RDB) ListArchived(ctx context.Context, n int) ([]*base.TaskMessage, error) {
	var op errors.Op = "rdb.ListArchived"
	if n <= 0 {
		n = 100
	}
	data, err := r.client.ZRevRange(ctx, base.ArchivedKey(r.ns), 0, int64(n-1)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: ZREVRANGE failed: %v", err))
	}
	var msgs []*base.TaskMessage
	for _, s := range data {
		msg, err := base.DecodeMessage([]byte(s))
		if err != nil {
			continue // bad data, ignore and continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// KEYS[1]  -> pollq:servers:{<host:pid:sid>}
// KEYS[2]  -> pollq:workers:{<host:pid:sid>}
// ARGV[1]  -> TTL in milliseconds
// ARGV[2]  -> server info
// ARGV[3:] -> alternate key-value pair of (worker id, worker data)
// Note: Add key to ZSET with expiration time as score.
// ref: https://github.com/antirez/redis/issues/135#issuecomment-2361996
var writeServerStateCmd = redis.NewScript(`
redis.call("PSETEX", KEYS[1], ARGV[1], ARGV[2])
redis.call("DEL", KEYS[2])
for i = 3, #ARGV-1, 2 do
	redis.call("HSET", KEYS[2], ARGV[i], ARGV[i+1])
end
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return redis.status_reply("OK")`)

// WriteServerState writes server state data to redis with expiration set to the value ttl.
func (r *RDB) WriteServerState(info *base.ServerInfo, workers []*base.WorkerInfo, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteServerState"
	ctx := context.Background()
	bytes, err := base.EncodeServerInfo(info)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode server info: %v", err))
	}
	exp := r.clock.Now().Add(ttl).UTC()
	args := []interface{}{ttl.Milliseconds(), bytes} // args to the lua script
	for _, w := range workers {
		bytes, err := base.EncodeWorkerInfo(w)
		if err != nil {
			continue // skip bad data
		}
		args = append(args, w.Key, bytes)
	}
	skey := base.ServerInfoKey(r.ns, info.Host, info.PID, info.ServerID)
	wkey := base.WorkersKey(r.ns, info.Host, info.PID, info.ServerID)
	if err := r.client.ZAdd(ctx, base.AllServers(r.ns), redis.Z{Score: float64(exp.UnixMilli()), Member: skey}).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: ZADD failed: %v", err))
	}
	return r.runScript(ctx, op, writeServerStateCmd, []string{skey, wkey}, args...)
}

// KEYS[1] -> pollq:servers:{<host:pid:sid>}
// KEYS[2] -> pollq:workers:{<host:pid:sid>}
var clearServerStateCmd = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
return redis.status_reply("OK")`)

// ClearServerState deletes server state data from redis.
func (r *RDB) ClearServerState(host string, pid int, serverID string) error {
	var op errors.Op = "rdb.ClearServerState"
	ctx := context.Background()
	skey := base.ServerInfoKey(r.ns, host, pid, serverID)
	wkey := base.WorkersKey(r.ns, host, pid, serverID)
	if err := r.client.ZRem(ctx, base.AllServers(r.ns), skey).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: ZREM failed: %v", err))
	}
	return r.runScript(ctx, op, clearServerStateCmd, []string{skey, wkey})
}

// ListServers returns the state of every live server.
// Servers whose state has expired are skipped.
func (r *RDB) ListServers(ctx context.Context) ([]*base.ServerInfo, error) {
	var op errors.Op = "rdb.ListServers"
	now := r.clock.Now()
	keys, err := r.client.ZRangeByScore(ctx, base.AllServers(r.ns), &redis.ZRangeBy{
		Min: fmt.Sprint(now.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: ZRANGEBYSCORE failed: %v", err))
	}
	var servers []*base.ServerInfo
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue // skip bad data
		}
		info, err := base.DecodeServerInfo([]byte(data))
		if err != nil {
			continue // skip bad data
		}
		servers = append(servers, info)
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Started.Before(servers[j].Started)
	})
	return servers, nil
}

// ListWorkers returns the tasks currently executing on the given server.
func (r *RDB) ListWorkers(ctx context.Context, info *base.ServerInfo) ([]*base.WorkerInfo, error) {
	var op errors.Op = "rdb.ListWorkers"
	data, err := r.client.HVals(ctx, base.WorkersKey(r.ns, info.Host, info.PID, info.ServerID)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis command error: HVALS failed: %v", err))
	}
	var workers []*base.WorkerInfo
	for _, s := range data {
		w, err := base.DecodeWorkerInfo([]byte(s))
		if err != nil {
			continue // skip bad data
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// parseScore converts a sorted set score returned by a script into unix milliseconds.
func parseScore(v interface{}) (int64, error) {
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
