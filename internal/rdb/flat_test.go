// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/errors"
)

func TestFlatEnsureDeduplicates(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "factorize", map[string]int{"number": 408216})
	created, err := s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Entries live in the pending database only.
	assert.True(t, env.mr.DB(pendingDB).Exists(base.PendingKey("pollq", msg.Key)))
	assert.False(t, env.mr.DB(resultDB).Exists(base.PendingKey("pollq", msg.Key)))
}

func TestFlatEnsureRefresh(t *testing.T) {
	tests := []struct {
		desc    string
		refresh bool
		alive   bool
	}{
		{"without refresh the first ttl holds", false, false},
		{"with refresh a resubmission extends the ttl", true, true},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			env := setup(t)
			opts := env.opts()
			opts.RefreshPendingTTL = tc.refresh
			s := NewFlatStore(env.pending, opts)
			ctx := context.Background()
			msg := newTaskMessage(t, "ask", map[string]string{"question": "why?"})

			_, err := s.Ensure(ctx, msg, time.Minute)
			require.NoError(t, err)
			env.mr.FastForward(40 * time.Second)
			_, err = s.Ensure(ctx, msg, time.Minute)
			require.NoError(t, err)
			env.mr.FastForward(40 * time.Second)

			assert.Equal(t, tc.alive, env.mr.DB(pendingDB).Exists(base.PendingKey("pollq", msg.Key)))
		})
	}
}

func TestFlatDequeue(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "factorize", map[string]int{"number": 12})
	_, err := s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)

	got, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.Key, got.Key)
	assert.Equal(t, "factorize", got.Type)
	assert.JSONEq(t, `{"number":12}`, string(got.Params))

	// Claiming leaves the entry in place but leased.
	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Dequeue(ctx)
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))

	// Once the lease lapses the entry can be claimed again.
	env.clock.AdvanceTime(31 * time.Second)
	got, err = s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.Key, got.Key)

	require.NoError(t, s.Done(ctx, got))
	n, err = s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	require.NoError(t, s.Done(ctx, got), "Done on a removed entry is a no-op")
}

func TestFlatExtendKeepsLease(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "factorize", map[string]int{"number": 12})
	_, err := s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)
	got, err := s.Dequeue(ctx)
	require.NoError(t, err)

	env.clock.AdvanceTime(20 * time.Second)
	require.NoError(t, s.Extend(ctx, got))
	env.clock.AdvanceTime(20 * time.Second)
	_, err = s.Dequeue(ctx)
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask), "an extended lease is still held")

	env.clock.AdvanceTime(11 * time.Second)
	again, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.Key, again.Key)

	require.NoError(t, s.Done(ctx, again))
	require.NoError(t, s.Extend(ctx, again), "Extend on a removed entry is a no-op")
	assert.False(t, env.mr.DB(pendingDB).Exists(base.PendingKey("pollq", msg.Key)))
}

func TestFlatDequeueEmpty(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())

	_, err := s.Dequeue(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))
}

func TestFlatDequeueSkipsForeignKeys(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	require.NoError(t, env.mr.DB(pendingDB).Set("stray", "value"))

	_, err := s.Dequeue(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))
}

func TestFlatExpiredEntryIsNeverClaimed(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "factorize", map[string]int{"number": 99})
	_, err := s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)
	env.mr.FastForward(61 * time.Second)

	_, err = s.Dequeue(ctx)
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))
	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestFlatNoDoubleClaim(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "factorize", map[string]int{"number": 7})
	_, err := s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		claimed int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Dequeue(ctx); err == nil {
				atomic.AddInt64(&claimed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), claimed)
}

func TestFlatRetryReleasesLease(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "factorize", map[string]int{"number": 12})
	_, err := s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)
	got, err := s.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Retry(ctx, got, "connection reset"))
	again, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Retried)
	assert.Equal(t, "connection reset", again.ErrorMsg)
	assert.Equal(t, env.clock.Now().UnixMilli(), again.LastFailedAt)

	require.NoError(t, s.Requeue(ctx, again))
	third, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Retried)
}

func TestFlatReleaseAfterExpiryDoesNotRecreate(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())
	ctx := context.Background()

	msg := newTaskMessage(t, "ask", map[string]string{"question": "how?"})
	_, err := s.Ensure(ctx, msg, time.Minute)
	require.NoError(t, err)
	got, err := s.Dequeue(ctx)
	require.NoError(t, err)

	env.mr.FastForward(61 * time.Second)
	require.NoError(t, s.Retry(ctx, got, "boom"))
	assert.False(t, env.mr.DB(pendingDB).Exists(base.PendingKey("pollq", msg.Key)))
}

func TestFlatTypesAndDeleteExpired(t *testing.T) {
	env := setup(t)
	s := NewFlatStore(env.pending, env.opts())

	types, err := s.Types(context.Background())
	require.NoError(t, err)
	assert.Empty(t, types)
	n, err := s.DeleteExpired(context.Background(), "ask", 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}
