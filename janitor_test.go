// Copyright 2021 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/rdb"
	"github.com/hemant/pollq/internal/timeutil"
)

func TestJanitor(t *testing.T) {
	env := setup(t)
	clock := timeutil.NewSimulatedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	broker := newRDB(env.results, env.pending, ModeSharded, rdb.Options{Clock: clock})
	ctx := context.Background()

	ensure := func(tasktype string, n int, ttl time.Duration) {
		for i := 0; i < n; i++ {
			params, err := json.Marshal(map[string]int{"n": i})
			require.NoError(t, err)
			key, canonical, err := base.TaskKey(tasktype, json.RawMessage(params))
			require.NoError(t, err)
			_, err = broker.Ensure(ctx, &base.TaskMessage{Type: tasktype, Key: key, Params: canonical}, ttl)
			require.NoError(t, err)
		}
	}
	ensure("factorize", 3, time.Second)
	ensure("ask", 2, time.Second)
	clock.AdvanceTime(2 * time.Second)
	ensure("translate", 1, time.Minute)

	tests := []struct {
		desc  string
		types []string
		want  map[string]int64 // remaining zset size per type
	}{
		{"configured types only", []string{"factorize"}, map[string]int64{"factorize": 1, "ask": 2, "translate": 1}},
		{"every known type", nil, map[string]int64{"factorize": 0, "ask": 0, "translate": 1}},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			j := newJanitor(janitorParams{
				logger:    testLogger,
				broker:    broker,
				interval:  time.Hour,
				batchSize: 2,
			})
			j.types = tc.types
			j.exec()
			for tasktype, want := range tc.want {
				n, err := env.pending.ZCard(ctx, base.PendingSetKey("pollq", tasktype)).Result()
				require.NoError(t, err)
				assert.Equal(t, want, n, tasktype)
			}
		})
	}
}

func TestJanitorStartShutdown(t *testing.T) {
	env := setup(t)
	broker := newRDB(env.results, env.pending, ModeSharded, rdb.Options{})
	j := newJanitor(janitorParams{
		logger:    testLogger,
		broker:    broker,
		interval:  5 * time.Millisecond,
		batchSize: 10,
	})
	var wg sync.WaitGroup
	j.start(&wg)
	time.Sleep(20 * time.Millisecond)
	j.shutdown()
	wg.Wait()
}
