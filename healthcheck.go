// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"sync"
	"time"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/errors"
	"github.com/hemant/pollq/internal/log"
	"github.com/hemant/pollq/internal/timeutil"
)

// healthchecker pings both redis databases on a fixed interval. An outage
// is logged once when it starts and once when it ends; every result is
// passed to the user callback.
type healthchecker struct {
	logger   *log.Logger
	broker   base.Broker
	clock    timeutil.Clock
	interval time.Duration
	report   func(error)

	done chan struct{}

	// outage state, owned by the healthchecker goroutine.
	failures  int
	downSince time.Time
}

type healthcheckerParams struct {
	logger          *log.Logger
	broker          base.Broker
	clock           timeutil.Clock
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &healthchecker{
		logger:   params.logger,
		broker:   params.broker,
		clock:    clock,
		interval: params.interval,
		report:   params.healthcheckFunc,
		done:     make(chan struct{}),
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("Healthchecker shutting down...")
	close(hc.done)
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				return
			case <-ticker.C:
				hc.exec()
			}
		}
	}()
}

// exec runs one check. Failures reach the callback with the Unavailable code.
func (hc *healthchecker) exec() {
	var op errors.Op = "healthchecker.exec"
	err := hc.broker.Ping()
	if err != nil {
		err = errors.E(op, errors.Unavailable, err)
		if hc.failures == 0 {
			hc.downSince = hc.clock.Now()
			hc.logger.Warnf("Redis is unreachable: %v", err)
		}
		hc.failures++
	} else if hc.failures > 0 {
		hc.logger.Infof("Redis is reachable again after %d failed check(s) over %v",
			hc.failures, hc.clock.Now().Sub(hc.downSince).Round(time.Millisecond))
		hc.failures = 0
	}
	if hc.report != nil {
		hc.report(err)
	}
}
