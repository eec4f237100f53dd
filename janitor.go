// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/log"
)

// janitor is responsible for periodically deleting pending entries that
// expired before any worker claimed them. Only sharded stores need it:
// flat entries are expired by redis itself.
type janitor struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// list of task types to sweep. Empty means every known type.
	types []string

	// interval between cleanup runs.
	interval time.Duration

	// number of entries to delete in a single call.
	batchSize int
}

type janitorParams struct {
	logger    *log.Logger
	broker    base.Broker
	interval  time.Duration
	batchSize int
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:    params.logger,
		broker:    params.broker,
		done:      make(chan struct{}),
		interval:  params.interval,
		batchSize: params.batchSize,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	ctx := context.Background()
	types := j.types
	if len(types) == 0 {
		known, err := j.broker.Types(ctx)
		if err != nil {
			j.logger.Errorf("Failed to list task types: %v", err)
			return
		}
		types = known
	}
	for _, tasktype := range types {
		n, err := j.broker.DeleteExpired(ctx, tasktype, j.batchSize)
		if err != nil {
			j.logger.Errorf("Failed to delete expired tasks of type %q: %v", tasktype, err)
			continue
		}
		if n > 0 {
			j.logger.Debugf("Deleted %d expired task(s) of type %q", n, tasktype)
		}
	}
}
