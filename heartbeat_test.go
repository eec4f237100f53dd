// Copyright 2024 Hemant. All rights reserved.
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

func TestHeartbeater(t *testing.T) {
	env := setup(t)
	broker := newRDB(env.results, env.pending, ModeSharded, rdb.Options{})
	ctx := context.Background()

	starting := make(chan *workerInfo)
	finished := make(chan *base.TaskMessage)
	h := newHeartbeater(heartbeaterParams{
		logger:      testLogger,
		broker:      broker,
		clock:       timeutil.NewRealClock(),
		interval:    10 * time.Millisecond,
		concurrency: 4,
		mode:        ModeSharded,
		state:       &serverState{value: srvStateActive},
		starting:    starting,
		finished:    finished,
	})
	h.types = []string{"ask", "factorize"}

	var wg sync.WaitGroup
	h.start(&wg)

	msg := &base.TaskMessage{Type: "factorize", Key: "factorize:abc", Params: json.RawMessage(`{"number":12}`)}
	now := time.Now()
	starting <- &workerInfo{msg: msg, started: now, deadline: now.Add(time.Minute)}

	var info *base.ServerInfo
	require.Eventually(t, func() bool {
		servers, err := broker.ListServers(ctx)
		if err != nil || len(servers) != 1 || servers[0].ActiveWorkerCount != 1 {
			return false
		}
		info = servers[0]
		return true
	}, waitFor, tick)
	assert.Equal(t, h.serverID, info.ServerID)
	assert.Equal(t, 4, info.Concurrency)
	assert.Equal(t, []string{"ask", "factorize"}, info.Types)
	assert.Equal(t, "sharded", info.Mode)
	assert.Equal(t, "active", info.Status)

	workers, err := broker.ListWorkers(ctx, info)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "factorize:abc", workers[0].Key)
	assert.Equal(t, "factorize", workers[0].Type)

	finished <- msg
	require.Eventually(t, func() bool {
		servers, err := broker.ListServers(ctx)
		return err == nil && len(servers) == 1 && servers[0].ActiveWorkerCount == 0
	}, waitFor, tick)

	h.shutdown()
	wg.Wait()

	servers, err := broker.ListServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)
}
