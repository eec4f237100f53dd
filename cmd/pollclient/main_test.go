package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/pollq"
)

type fakePoller struct {
	mu    sync.Mutex
	calls map[int64]int
	ready int // number of polls after which a number is done
}

func (f *fakePoller) poll(ctx context.Context, n int64) (*status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n == 13 {
		return nil, errors.New("unavailable")
	}
	f.calls[n]++
	if f.calls[n] < f.ready {
		return &status{Load: 1}, nil
	}
	return &status{Done: true, FactorizationStr: "2 x 2"}, nil
}

func TestRound(t *testing.T) {
	p := &fakePoller{calls: map[int64]int{}, ready: 2}
	ctx := context.Background()

	err := round(ctx, p, []int64{4, 6})
	assert.ErrorIs(t, err, errPending)
	assert.NoError(t, round(ctx, p, []int64{4, 6}))
	assert.Equal(t, map[int64]int{4: 2, 6: 2}, p.calls)

	assert.ErrorIs(t, round(ctx, p, []int64{13}), errPending, "failed polls are retried")
}

func TestHTTPPoller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["number"] < 2 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid field Number: failed on gte"}`))
			return
		}
		w.Write([]byte(`{"done":true,"load":0,"number":12,"factorization_str":"2^2 x 3"}`))
	}))
	defer srv.Close()
	p := &httpPoller{url: srv.URL, client: srv.Client()}

	s, err := p.poll(context.Background(), 12)
	require.NoError(t, err)
	assert.True(t, s.Done)
	assert.Equal(t, "2^2 x 3", s.FactorizationStr)

	_, err = p.poll(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDirectPoller(t *testing.T) {
	mr := miniredis.RunT(t)
	client := pollq.NewClient(pollq.RedisClientOpt{Addr: mr.Addr()}, pollq.ClientConfig{})
	defer client.Close()
	p := &directPoller{client: client}

	s, err := p.poll(context.Background(), 408216)
	require.NoError(t, err)
	assert.False(t, s.Done)
	assert.Equal(t, int64(1), s.Load)
}
