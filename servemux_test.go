// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(tag string) HandlerFunc {
	return func(ctx context.Context, t *Task) (interface{}, error) {
		return tag, nil
	}
}

func TestServeMuxRouting(t *testing.T) {
	mux := NewServeMux()
	mux.Handle("factorize", echo("factorize"))
	mux.HandleFunc("ask", echo("ask"))

	tests := []struct {
		tasktype string
		want     string
	}{
		{"factorize", "factorize"},
		{"ask", "ask"},
	}
	for _, tc := range tests {
		got, err := mux.ProcessTask(context.Background(), NewTask(tc.tasktype, nil))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	assert.Equal(t, []string{"ask", "factorize"}, mux.Types())
}

func TestServeMuxNotFound(t *testing.T) {
	mux := NewServeMux()
	mux.Handle("factorize", echo("factorize"))

	for _, tasktype := range []string{"factorize:big", "ask", "Factorize"} {
		_, err := mux.ProcessTask(context.Background(), NewTask(tasktype, nil))
		require.Error(t, err, tasktype)
		assert.True(t, errors.Is(err, SkipRetry), "unknown types are not retried")
	}
}

func TestServeMuxHandlePanics(t *testing.T) {
	tests := []struct {
		desc     string
		tasktype string
		handler  Handler
	}{
		{"empty type", "", echo("x")},
		{"braces in type", "{ask}", echo("x")},
		{"nil handler", "ask", nil},
		{"duplicate registration", "factorize", echo("again")},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			mux := NewServeMux()
			mux.Handle("factorize", echo("factorize"))
			assert.Panics(t, func() { mux.Handle(tc.tasktype, tc.handler) })
		})
	}

	assert.Panics(t, func() { NewServeMux().HandleFunc("ask", nil) })
}
