// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/errors"
	"github.com/hemant/pollq/internal/timeutil"
)

const (
	resultDB  = 0
	pendingDB = 1
)

type testEnv struct {
	mr      *miniredis.Miniredis
	results *redis.Client
	pending *redis.Client
	clock   *timeutil.SimulatedClock
}

func setup(tb testing.TB) *testEnv {
	tb.Helper()
	mr := miniredis.RunT(tb)
	results := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: resultDB})
	pending := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: pendingDB})
	tb.Cleanup(func() {
		results.Close()
		pending.Close()
	})
	return &testEnv{
		mr:      mr,
		results: results,
		pending: pending,
		clock:   timeutil.NewSimulatedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func (e *testEnv) opts() Options {
	return Options{Namespace: "pollq", Clock: e.clock, LeaseDuration: 30 * time.Second}
}

func newTaskMessage(tb testing.TB, tasktype string, params interface{}) *base.TaskMessage {
	tb.Helper()
	key, canonical, err := base.TaskKey(tasktype, params)
	require.NoError(tb, err)
	return &base.TaskMessage{
		Type:   tasktype,
		Key:    key,
		Params: json.RawMessage(canonical),
	}
}

func TestGetResultNotFound(t *testing.T) {
	env := setup(t)
	r := NewRDB(env.results, env.pending, NewFlatStore(env.pending, env.opts()), env.opts())

	_, err := r.GetResult(context.Background(), "factorize:missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.Is(err, errors.ErrResultNotFound))
}

func TestWriteResultOverwritesAndExpires(t *testing.T) {
	env := setup(t)
	r := NewRDB(env.results, env.pending, NewFlatStore(env.pending, env.opts()), env.opts())
	ctx := context.Background()

	first := &base.ResultMessage{Key: "ask:abc", Type: "ask", Payload: json.RawMessage(`{"answer":"No."}`)}
	second := &base.ResultMessage{Key: "ask:abc", Type: "ask", Payload: json.RawMessage(`{"answer":"Maybe."}`)}
	require.NoError(t, r.WriteResult(ctx, first, time.Minute))
	require.NoError(t, r.WriteResult(ctx, second, time.Minute))

	got, err := r.GetResult(ctx, "ask:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"Maybe."}`, string(got.Payload))

	// Results are stored in the result database only.
	assert.True(t, env.mr.DB(resultDB).Exists(base.ResultKey("pollq", "ask:abc")))
	assert.False(t, env.mr.DB(pendingDB).Exists(base.ResultKey("pollq", "ask:abc")))

	env.mr.FastForward(61 * time.Second)
	_, err = r.GetResult(ctx, "ask:abc")
	assert.True(t, errors.IsNotFound(err))
}

func TestUnavailableStore(t *testing.T) {
	env := setup(t)
	r := NewRDB(env.results, env.pending, NewShardedStore(env.results, env.opts()), env.opts())
	env.mr.Close()

	_, err := r.GetResult(context.Background(), "ask:abc")
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err))

	_, err = r.Count(context.Background(), "ask")
	assert.True(t, errors.IsUnavailable(err))
	assert.Error(t, r.Ping())
}

func TestArchive(t *testing.T) {
	env := setup(t)
	r := NewRDB(env.results, env.pending, NewFlatStore(env.pending, env.opts()), env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "factorize", map[string]int{"number": 1})
	require.NoError(t, r.Archive(ctx, msg, "number must be at least 2"))

	archived, err := r.ListArchived(ctx, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, msg.Key, archived[0].Key)
	assert.Equal(t, "number must be at least 2", archived[0].ErrorMsg)
	assert.Equal(t, env.clock.Now().UnixMilli(), archived[0].LastFailedAt)

	// Entries older than the archive window are trimmed on the next write.
	env.clock.AdvanceTime(archivedExpiration + time.Hour)
	other := newTaskMessage(t, "factorize", map[string]int{"number": 0})
	require.NoError(t, r.Archive(ctx, other, "boom"))
	archived, err = r.ListArchived(ctx, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, other.Key, archived[0].Key)
}

func TestServerState(t *testing.T) {
	env := setup(t)
	opts := env.opts()
	opts.Clock = timeutil.NewRealClock()
	r := NewRDB(env.results, env.pending, NewShardedStore(env.results, opts), opts)
	ctx := context.Background()

	info := &base.ServerInfo{
		Host:        "127.0.0.1",
		PID:         4242,
		ServerID:    "server-1",
		Mode:        "sharded",
		Concurrency: 2,
		Types:       []string{"ask", "factorize"},
		Status:      "active",
		Started:     time.Now().UTC().Truncate(time.Second),
	}
	workers := []*base.WorkerInfo{
		{Host: "127.0.0.1", PID: 4242, ServerID: "server-1", Key: "ask:abc", Type: "ask"},
	}
	require.NoError(t, r.WriteServerState(info, workers, 10*time.Second))

	servers, err := r.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, info, servers[0])

	gotWorkers, err := r.ListWorkers(ctx, info)
	require.NoError(t, err)
	require.Len(t, gotWorkers, 1)
	assert.Equal(t, "ask:abc", gotWorkers[0].Key)

	require.NoError(t, r.ClearServerState(info.Host, info.PID, info.ServerID))
	servers, err = r.ListServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)
	assert.False(t, env.mr.Exists(base.WorkersKey("pollq", info.Host, info.PID, info.ServerID)))
}

func TestParseScore(t *testing.T) {
	n, err := parseScore("1709294460000")
	require.NoError(t, err)
	assert.Equal(t, int64(1709294460000), n)

	n, err = parseScore("1.70929446e+12")
	require.NoError(t, err)
	assert.Equal(t, int64(1709294460000), n)

	_, err = parseScore("soon")
	assert.Error(t, err)
}
