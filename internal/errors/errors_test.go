// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorDebugString(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want string
	}{
		{
			desc: "With Op, Code, and string",
			err:  E(Op("rdb.Ensure"), NotFound, "cannot find task"),
			want: "rdb.Ensure: NOT_FOUND: cannot find task",
		},
		{
			desc: "With Op, Code and error",
			err:  E(Op("rdb.Ensure"), Unavailable, fmt.Errorf("connection refused")),
			want: "rdb.Ensure: UNAVAILABLE: connection refused",
		},
		{
			desc: "With Op only",
			err:  E(Op("rdb.Claim"), "nothing here"),
			want: "rdb.Claim: nothing here",
		},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			e, ok := tc.err.(*Error)
			if !assert.True(t, ok) {
				return
			}
			assert.Equal(t, tc.want, e.DebugString())
		})
	}
}

func TestErrorString(t *testing.T) {
	err := E(Op("base.TaskKey"), InvalidArgument, "parameters must be a JSON object")
	assert.Equal(t, "INVALID_ARGUMENT: parameters must be a JSON object", err.Error())
}

func TestCanonicalCode(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want Code
	}{
		{"nil error", nil, Unspecified},
		{"plain error", New("oops"), Unspecified},
		{"direct code", E(Op("x"), NotFound, "gone"), NotFound},
		{"nested code", E(Op("outer"), E(Op("inner"), Unavailable, "down")), Unavailable},
		{"wrapped with fmt", fmt.Errorf("submit: %w", E(Op("x"), InvalidArgument, "bad")), InvalidArgument},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalCode(tc.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(E(Op("x"), NotFound, ErrResultNotFound)))
	assert.True(t, Is(E(Op("x"), NotFound, ErrResultNotFound), ErrResultNotFound))
	assert.True(t, IsInvalidArgument(E(InvalidArgument, "bad")))
	assert.True(t, IsUnavailable(fmt.Errorf("wrap: %w", E(Unavailable, "down"))))
	assert.False(t, IsUnavailable(New("plain")))
}

func TestEUnknownArgument(t *testing.T) {
	err := E(Op("x"), 42)
	_, ok := err.(*Error)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "unknown type int")
}
