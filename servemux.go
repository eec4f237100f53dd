// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hemant/pollq/internal/base"
)

// ServeMux is a multiplexer for task handlers.
// It matches the type of each task against the list of registered
// types and calls the handler registered for that type.
//
// The registered types are also the types a Server subscribes to.
type ServeMux struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewServeMux allocates and returns a new ServeMux.
func NewServeMux() *ServeMux {
	return &ServeMux{m: make(map[string]Handler)}
}

// ProcessTask dispatches the task to the handler registered for its type.
func (mux *ServeMux) ProcessTask(ctx context.Context, task *Task) (interface{}, error) {
	h := mux.Handler(task)
	return h.ProcessTask(ctx, task)
}

// Handler returns the handler to use for the given task.
// It always returns a non-nil handler.
//
// If there is no registered handler that applies to the task,
// handler returns a 'not found' handler which returns an error
// wrapping SkipRetry.
func (mux *ServeMux) Handler(t *Task) Handler {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	if h, ok := mux.m[t.Type()]; ok {
		return h
	}
	return NotFoundHandler()
}

// Handle registers the handler for the given task type.
// If a handler already exists for the type, Handle panics.
func (mux *ServeMux) Handle(tasktype string, handler Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()

	if err := base.ValidateTaskType(tasktype); err != nil {
		panic(fmt.Sprintf("pollq: invalid task type: %v", err))
	}
	if handler == nil {
		panic("pollq: nil handler")
	}
	if _, exist := mux.m[tasktype]; exist {
		panic("pollq: multiple registrations for " + tasktype)
	}
	mux.m[tasktype] = handler
}

// HandleFunc registers the handler function for the given task type.
func (mux *ServeMux) HandleFunc(tasktype string, handler func(context.Context, *Task) (interface{}, error)) {
	if handler == nil {
		panic("pollq: nil handler")
	}
	mux.Handle(tasktype, HandlerFunc(handler))
}

// Types returns the registered task types, sorted.
func (mux *ServeMux) Types() []string {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	types := make([]string, 0, len(mux.m))
	for t := range mux.m {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NotFound returns an error indicating that the handler was not found for the given task.
func NotFound(ctx context.Context, task *Task) (interface{}, error) {
	return nil, fmt.Errorf("handler not found for task %q: %w", task.Type(), SkipRetry)
}

// NotFoundHandler returns a simple task handler that returns a "not found" error.
func NotFoundHandler() Handler { return HandlerFunc(NotFound) }
