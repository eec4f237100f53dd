// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/log"
	"github.com/hemant/pollq/internal/timeutil"
)

// heartbeater is responsible for writing process info to redis periodically to
// indicate that the background worker process is up.
type heartbeater struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "heartbeater" goroutine.
	done chan struct{}

	// interval between heartbeats.
	interval time.Duration

	// following fields are initialized at construction time and are immutable.
	host        string
	pid         int
	serverID    string
	concurrency int
	mode        Mode

	// types is set once before start.
	types []string

	started time.Time
	workers map[string]*workerInfo

	// state is shared with other goroutine but is concurrency safe.
	state *serverState

	// channels to receive updates on active workers.
	starting <-chan *workerInfo
	finished <-chan *base.TaskMessage
}

type heartbeaterParams struct {
	logger      *log.Logger
	broker      base.Broker
	clock       timeutil.Clock
	interval    time.Duration
	concurrency int
	mode        Mode
	state       *serverState
	starting    <-chan *workerInfo
	finished    <-chan *base.TaskMessage
}

func newHeartbeater(params heartbeaterParams) *heartbeater {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}

	return &heartbeater{
		logger:   params.logger,
		broker:   params.broker,
		clock:    params.clock,
		done:     make(chan struct{}),
		interval: params.interval,

		host:        host,
		pid:         os.Getpid(),
		serverID:    uuid.New().String(),
		concurrency: params.concurrency,
		mode:        params.mode,

		workers:  make(map[string]*workerInfo),
		state:    params.state,
		starting: params.starting,
		finished: params.finished,
	}
}

func (h *heartbeater) shutdown() {
	h.logger.Debug("Heartbeater shutting down...")
	// Signal the heartbeater goroutine to stop.
	h.done <- struct{}{}
}

// A workerInfo holds an active worker information.
type workerInfo struct {
	// the task message the worker is processing.
	msg *base.TaskMessage
	// the time the worker has started processing the message.
	started time.Time
	// deadline the worker has to finish processing the task by.
	deadline time.Time
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		h.started = h.clock.Now()

		h.beat()

		timer := time.NewTimer(h.interval)
		for {
			select {
			case <-h.done:
				if err := h.broker.ClearServerState(h.host, h.pid, h.serverID); err != nil {
					h.logger.Errorf("Failed to clear server state: %v", err)
				}
				h.logger.Debug("Heartbeater done")
				timer.Stop()
				return

			case <-timer.C:
				h.beat()
				timer.Reset(h.interval)

			case w := <-h.starting:
				h.workers[w.msg.Key] = w

			case msg := <-h.finished:
				delete(h.workers, msg.Key)
			}
		}
	}()
}

// beat writes server and worker info to redis.
func (h *heartbeater) beat() {
	h.state.mu.Lock()
	srvStatus := h.state.value.String()
	h.state.mu.Unlock()

	info := base.ServerInfo{
		Host:              h.host,
		PID:               h.pid,
		ServerID:          h.serverID,
		Mode:              h.mode.String(),
		Concurrency:       h.concurrency,
		Types:             h.types,
		Status:            srvStatus,
		Started:           h.started,
		ActiveWorkerCount: len(h.workers),
	}

	var ws []*base.WorkerInfo
	for key, w := range h.workers {
		ws = append(ws, &base.WorkerInfo{
			Host:     h.host,
			PID:      h.pid,
			ServerID: h.serverID,
			Key:      key,
			Type:     w.msg.Type,
			Started:  w.started,
			Deadline: w.deadline,
		})
	}

	// Note: Set TTL to be long enough so that it won't expire before we write again
	// and short enough to expire quickly once the process is shut down or killed.
	if err := h.broker.WriteServerState(&info, ws, h.interval*2); err != nil {
		h.logger.Errorf("Failed to write server state data: %v", err)
	}
}
