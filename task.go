// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Task represents a unit of work to be performed.
type Task struct {
	// typename indicates the type of task to be performed.
	typename string

	// key is the deterministic task key derived from the type and parameters.
	key string

	// params holds the canonical JSON parameters needed to perform the task.
	params []byte

	// retried is the number of failed attempts so far.
	retried int
}

func (t *Task) Type() string   { return t.typename }
func (t *Task) Key() string    { return t.key }
func (t *Task) Params() []byte { return t.params }
func (t *Task) Retried() int   { return t.retried }

// Bind decodes the task parameters into v.
func (t *Task) Bind(v interface{}) error {
	if err := json.Unmarshal(t.params, v); err != nil {
		return fmt.Errorf("pollq: cannot bind parameters of task %q: %v", t.typename, err)
	}
	return nil
}

// NewTask returns a new Task given a type name and JSON encoded parameters.
// It is intended for testing handlers; workers build tasks from claimed entries.
func NewTask(typename string, params []byte) *Task {
	return &Task{
		typename: typename,
		params:   params,
	}
}

// A Handler processes tasks.
//
// ProcessTask returns the payload to publish as the task result. The payload
// must be JSON encodable.
//
// If ProcessTask returns a non-nil error or panics, the task is retried
// while retries remain, otherwise it is dropped.
// Wrap the error with SkipRetry to drop the task right away.
type Handler interface {
	ProcessTask(context.Context, *Task) (interface{}, error)
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Task) (interface{}, error)

// ProcessTask calls fn(ctx, task)
func (fn HandlerFunc) ProcessTask(ctx context.Context, task *Task) (interface{}, error) {
	return fn(ctx, task)
}

// SkipRetry is used as a return value from Handler.ProcessTask to indicate that
// the task should not be retried and should be dropped instead.
var SkipRetry = errors.New("skip retry for the task")

// Mode selects the pending store strategy.
type Mode int

const (
	// ModeFlat keeps every pending entry as its own expiring key in a
	// dedicated database and samples it at random.
	ModeFlat Mode = iota

	// ModeSharded partitions pending entries by task type.
	ModeSharded
)

func (m Mode) String() string {
	switch m {
	case ModeFlat:
		return "flat"
	case ModeSharded:
		return "sharded"
	}
	return "unknown"
}

// ParseMode parses the name of a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flat":
		return ModeFlat, nil
	case "sharded", "distributed":
		return ModeSharded, nil
	}
	return 0, fmt.Errorf("pollq: unsupported mode %q", s)
}
