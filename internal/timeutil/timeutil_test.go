// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulatedClock(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		desc      string
		initTime  time.Time
		advanceBy time.Duration
		wantTime  time.Time
	}{
		{
			desc:      "advance time forward",
			initTime:  now,
			advanceBy: 30 * time.Second,
			wantTime:  now.Add(30 * time.Second),
		},
		{
			desc:      "advance time backward",
			initTime:  now,
			advanceBy: -10 * time.Second,
			wantTime:  now.Add(-10 * time.Second),
		},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			c := NewSimulatedClock(tc.initTime)
			assert.Equal(t, tc.initTime, c.Now())
			c.AdvanceTime(tc.advanceBy)
			assert.Equal(t, tc.wantTime, c.Now())
		})
	}
}

func TestUnixMilli(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	c := NewSimulatedClock(now)
	assert.Equal(t, int64(1700000000123), UnixMilli(c))

	c.SetTime(now.Add(time.Second))
	assert.Equal(t, int64(1700000001123), UnixMilli(c))
}
