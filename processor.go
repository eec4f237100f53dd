// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/errors"
	"github.com/hemant/pollq/internal/log"
	"github.com/hemant/pollq/internal/timeutil"
	"golang.org/x/time/rate"
)

type processor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	handler   Handler
	baseCtxFn func() context.Context

	mode Mode

	// types to claim from, in sharded mode. Empty means every known type.
	types []string

	// types the handler accepts, consulted in flat mode. Empty means any type.
	accepted map[string]bool

	// rotates the order in which types are tried.
	offset int

	taskCheckInterval time.Duration
	taskTimeout       time.Duration
	maxRetry          int
	resultTTL         time.Duration

	errLogLimiter *rate.Limiter

	// sema is a counting semaphore to ensure the number of active workers
	// does not exceed the limit.
	sema chan struct{}

	// channel to communicate back to the long running "processor" goroutine.
	// once is used to send value to the channel only once.
	done chan struct{}
	once sync.Once

	// quit channel is closed when the shutdown of the "processor" goroutine starts.
	quit chan struct{}

	// abort channel communicates to the in-flight worker goroutines to stop.
	abort chan struct{}

	errHandler ErrorHandler

	shutdownTimeout time.Duration

	// channel to send a worker when it starts.
	starting chan<- *workerInfo

	// channel to send a task message when its worker finishes.
	finished chan<- *base.TaskMessage
}

type processorParams struct {
	logger            *log.Logger
	broker            base.Broker
	clock             timeutil.Clock
	baseCtxFn         func() context.Context
	mode              Mode
	taskCheckInterval time.Duration
	taskTimeout       time.Duration
	maxRetry          int
	resultTTL         time.Duration
	concurrency       int
	errHandler        ErrorHandler
	shutdownTimeout   time.Duration
	starting          chan<- *workerInfo
	finished          chan<- *base.TaskMessage
}

// newProcessor constructs a new processor.
func newProcessor(params processorParams) *processor {
	return &processor{
		logger:            params.logger,
		broker:            params.broker,
		clock:             params.clock,
		baseCtxFn:         params.baseCtxFn,
		mode:              params.mode,
		taskCheckInterval: params.taskCheckInterval,
		taskTimeout:       params.taskTimeout,
		maxRetry:          params.maxRetry,
		resultTTL:         params.resultTTL,
		errLogLimiter:     rate.NewLimiter(rate.Every(3*time.Second), 1),
		sema:              make(chan struct{}, params.concurrency),
		done:              make(chan struct{}),
		quit:              make(chan struct{}),
		abort:             make(chan struct{}),
		errHandler:        params.errHandler,
		shutdownTimeout:   params.shutdownTimeout,
		starting:          params.starting,
		finished:          params.finished,
	}
}

// subscribe sets the task types the processor works on.
func (p *processor) subscribe(types []string) {
	p.types = types
	p.accepted = make(map[string]bool, len(types))
	for _, t := range types {
		p.accepted[t] = true
	}
}

// Note: stops only the "processor" goroutine, does not stop workers.
// It's safe to call this method multiple times.
func (p *processor) stop() {
	p.once.Do(func() {
		p.logger.Debug("Processor shutting down...")
		// Unblock if processor is waiting for sema token.
		close(p.quit)
		// Signal the processor goroutine to stop processing tasks
		// from the store.
		p.done <- struct{}{}
	})
}

// NOTE: once shutdown, processor cannot be re-started.
func (p *processor) shutdown() {
	p.stop()

	time.AfterFunc(p.shutdownTimeout, func() { close(p.abort) })

	p.logger.Info("Waiting for all workers to finish...")
	// block until all workers have released the token
	for i := 0; i < cap(p.sema); i++ {
		p.sema <- struct{}{}
	}
	p.logger.Info("All workers have finished")
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-p.done:
				p.logger.Debug("Processor done")
				return
			default:
				p.exec()
			}
		}
	}()
}

// exec pulls a task out of the store and starts a worker goroutine to
// process the task.
func (p *processor) exec() {
	select {
	case <-p.quit:
		return
	case p.sema <- struct{}{}: // acquire token
		ctx := context.Background()
		order, err := p.claimOrder(ctx)
		var msg *base.TaskMessage
		if err == nil {
			msg, err = p.broker.Dequeue(ctx, order...)
		}
		switch {
		case errors.Is(err, errors.ErrNoProcessableTask):
			p.logger.Debug("No claimable tasks")
			<-p.sema // release token
			p.idle()
			return
		case err != nil:
			if p.errLogLimiter.Allow() {
				p.logger.Errorf("Dequeue error: %v", err)
			}
			<-p.sema // release token
			p.idle()
			return
		}

		started := p.clock.Now()
		deadline := started.Add(p.taskTimeout)
		p.starting <- &workerInfo{msg: msg, started: started, deadline: deadline}
		go func() {
			defer func() {
				p.finished <- msg
				<-p.sema // release token
			}()

			if !p.accepts(msg.Type) {
				p.logger.Warnf("Unrecognized task type %q, releasing task %s", msg.Type, msg.Key)
				p.requeue(msg)
				p.idle()
				return
			}

			ctx, cancel := context.WithDeadline(p.baseCtxFn(), deadline)
			defer cancel()

			task := newTaskFromMessage(msg)
			resCh := make(chan taskResult, 1)
			go func() {
				payload, err := p.perform(ctx, task)
				resCh <- taskResult{payload: payload, err: err}
			}()

			res, aborted := p.await(ctx, cancel, msg, resCh)
			if aborted && res.err != nil {
				p.requeue(msg)
				return
			}
			p.handleOutcome(ctx, task, msg, res)
		}()
	}
}

// await blocks until the handler returns. The task stays claimed the whole
// time: the flat-store lease is extended every half timeout, so a handler
// that overruns its deadline keeps it, and an abort cancels the handler but
// still waits for it.
// It reports whether the worker was aborted.
func (p *processor) await(ctx context.Context, cancel context.CancelFunc, msg *base.TaskMessage, resCh <-chan taskResult) (taskResult, bool) {
	ticker := time.NewTicker(p.leaseRefreshInterval())
	defer ticker.Stop()
	var (
		aborted bool
		abort   = p.abort
		expired = ctx.Done()
	)
	for {
		select {
		case res := <-resCh:
			return res, aborted
		case <-abort:
			p.logger.Warnf("Quitting worker. task key=%s", msg.Key)
			aborted = true
			abort = nil
			cancel()
		case <-expired:
			expired = nil
			if !aborted {
				p.logger.Warnf("Task %s ran past its timeout, waiting for the handler to return", msg.Key)
			}
		case <-ticker.C:
			p.extend(msg)
		}
	}
}

// leaseRefreshInterval is how often the claim on a running task is extended.
func (p *processor) leaseRefreshInterval() time.Duration {
	if d := p.taskTimeout / 2; d > 0 {
		return d
	}
	return time.Second
}

func (p *processor) extend(msg *base.TaskMessage) {
	if err := p.broker.Extend(context.Background(), msg); err != nil && p.errLogLimiter.Allow() {
		p.logger.Errorf("Could not extend the claim on task %s: %v", msg.Key, err)
	}
}

// idle waits for the task check interval unless the processor is stopping.
func (p *processor) idle() {
	select {
	case <-p.quit:
	case <-time.After(p.taskCheckInterval):
	}
}

// claimOrder returns the types to claim from in this iteration.
// Without subscribed types every known type is tried. The starting type
// rotates so no type is starved.
func (p *processor) claimOrder(ctx context.Context) ([]string, error) {
	if p.mode != ModeSharded {
		return nil, nil
	}
	types := p.types
	if len(types) == 0 {
		known, err := p.broker.Types(ctx)
		if err != nil {
			return nil, err
		}
		types = known
	}
	n := len(types)
	if n <= 1 {
		return types, nil
	}
	start := p.offset % n
	p.offset = (p.offset + 1) % n
	order := make([]string, 0, n)
	order = append(order, types[start:]...)
	return append(order, types[:start]...), nil
}

// accepts reports whether the handler can process tasks of the given type.
// Sharded claims only ever return subscribed types.
func (p *processor) accepts(tasktype string) bool {
	if p.mode == ModeSharded || len(p.accepted) == 0 {
		return true
	}
	return p.accepted[tasktype]
}

type taskResult struct {
	payload interface{}
	err     error
}

// outcome of a single task execution.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retryable"
	case outcomeFatal:
		return "fatal"
	}
	return "unknown"
}

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, SkipRetry):
		return outcomeFatal
	default:
		return outcomeRetryable
	}
}

func (p *processor) handleOutcome(ctx context.Context, task *Task, msg *base.TaskMessage, res taskResult) {
	o := classify(res.err)
	if o != outcomeSuccess && p.errHandler != nil {
		p.errHandler.HandleError(ctx, task, res.err)
	}
	switch o {
	case outcomeSuccess:
		p.publish(msg, res.payload)
	case outcomeRetryable:
		p.retryOrDrop(msg, res.err)
	case outcomeFatal:
		p.drop(msg, res.err)
	}
}

// publish writes the result and then removes the pending entry.
func (p *processor) publish(msg *base.TaskMessage, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.drop(msg, fmt.Errorf("cannot encode result: %v", err))
		return
	}
	ctx := context.Background()
	res := &base.ResultMessage{
		Key:         msg.Key,
		Type:        msg.Type,
		Payload:     data,
		CompletedAt: p.clock.Now().UnixMilli(),
	}
	if err := p.broker.WriteResult(ctx, res, p.resultTTL); err != nil {
		p.logger.Errorf("Could not write result of task %s: %v", msg.Key, err)
		p.requeue(msg)
		return
	}
	if err := p.broker.Done(ctx, msg); err != nil {
		p.logger.Warnf("Could not remove task %s after writing its result: %v", msg.Key, err)
	}
}

func (p *processor) retryOrDrop(msg *base.TaskMessage, err error) {
	if msg.Retried >= p.maxRetry {
		p.drop(msg, fmt.Errorf("retry exhausted: %v", err))
		return
	}
	p.logger.Debugf("Retrying task %s (retried=%d): %v", msg.Key, msg.Retried, err)
	if rerr := p.broker.Retry(context.Background(), msg, err.Error()); rerr != nil {
		if errors.CanonicalCode(rerr) == errors.FailedPrecondition {
			p.logger.Warnf("Task %s expired before it could be retried: %v", msg.Key, err)
			return
		}
		p.logger.Errorf("Could not retry task %s: %v", msg.Key, rerr)
	}
}

// drop gives up on the task and keeps a record of it in the archive.
func (p *processor) drop(msg *base.TaskMessage, err error) {
	ctx := context.Background()
	// A sharded claim already popped the entry; anything under the key now
	// is a fresh submission.
	if p.mode != ModeSharded {
		if derr := p.broker.Done(ctx, msg); derr != nil {
			p.logger.Errorf("Could not remove dropped task %s: %v", msg.Key, derr)
		}
	}
	if aerr := p.broker.Archive(ctx, msg, err.Error()); aerr != nil {
		p.logger.Errorf("Could not archive dropped task %s: %v", msg.Key, aerr)
	}
	p.logger.Errorf("Dropped task %s after %d attempt(s): %v", msg.Key, msg.Retried+1, err)
}

// requeue makes a claimed task claimable again without counting an attempt.
func (p *processor) requeue(msg *base.TaskMessage) {
	err := p.broker.Requeue(context.Background(), msg)
	switch {
	case err == nil:
		p.logger.Infof("Pushed task %s back to the store", msg.Key)
	case errors.CanonicalCode(err) == errors.FailedPrecondition:
		p.logger.Warnf("Task %s expired before it could be pushed back", msg.Key)
	default:
		p.logger.Errorf("Could not push task %s back to the store: %v", msg.Key, err)
	}
}

// perform calls the handler with the given task.
// If the call returns without panic, it simply returns the value,
// otherwise, it recovers from panic and returns an error.
func (p *processor) perform(ctx context.Context, task *Task) (payload interface{}, err error) {
	defer func() {
		if x := recover(); x != nil {
			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			_, file, line, ok := runtime.Caller(1) // skip the first frame (panic itself)
			if ok && strings.Contains(file, "runtime/") {
				// The panic came from the runtime, most likely due to incorrect
				// map/slice usage. The parent frame should have the real trigger.
				_, file, line, ok = runtime.Caller(2)
			}
			if ok {
				err = fmt.Errorf("panic [%s:%d]: %v", file, line, x)
			} else {
				err = fmt.Errorf("panic: %v", x)
			}
		}
	}()
	return p.handler.ProcessTask(ctx, task)
}

func newTaskFromMessage(msg *base.TaskMessage) *Task {
	return &Task{
		typename: msg.Type,
		key:      msg.Key,
		params:   msg.Params,
		retried:  msg.Retried,
	}
}
