// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/pollq"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSubmitter struct {
	submit  func(tasktype string, params interface{}) (*pollq.TaskStatus, error)
	result  func(key string) (*pollq.TaskStatus, error)
	pingErr error
}

func (f *fakeSubmitter) Submit(ctx context.Context, tasktype string, params interface{}) (*pollq.TaskStatus, error) {
	return f.submit(tasktype, params)
}

func (f *fakeSubmitter) Result(ctx context.Context, key string) (*pollq.TaskStatus, error) {
	return f.result(key)
}

func (f *fakeSubmitter) Ping() error { return f.pingErr }

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestFrontDoorAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	results := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 0})
	pending := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: pollq.DefaultPendingDB})
	t.Cleanup(func() {
		results.Close()
		pending.Close()
	})
	client := pollq.NewClientFromRedisClients(results, pending, pollq.ClientConfig{})
	h := NewRouter(client, Options{Logger: quiet})

	code, body := do(t, h, http.MethodPost, "/factorize", `{"number":408216}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["done"])
	assert.Equal(t, float64(1), body["load"])
	key := body["key"].(string)

	code, body = do(t, h, http.MethodPost, "/tasks/factorize", `{"number":408216}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, key, body["key"], "both routes submit the same task")
	assert.Equal(t, float64(1), body["load"])

	code, body = do(t, h, http.MethodGet, "/results/"+key, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["done"])

	code, body = do(t, h, http.MethodPost, "/tasks/factorize", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	code, body = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	mr.Close()
	code, _ = do(t, h, http.MethodPost, "/ask", `{"question":"why?"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestDonePayloadIsMerged(t *testing.T) {
	f := &fakeSubmitter{
		submit: func(tasktype string, params interface{}) (*pollq.TaskStatus, error) {
			assert.Equal(t, "factorize", tasktype)
			assert.Equal(t, map[string]int64{"number": 408216}, params)
			return &pollq.TaskStatus{
				Done:    true,
				Key:     "factorize:abc",
				Payload: json.RawMessage(`{"number":408216,"factorization":[[2,3],[3,1],[73,1],[233,1]],"factorization_str":"2^3 3^1 73^1 233^1"}`),
				Load:    4,
			}, nil
		},
	}
	code, body := do(t, NewRouter(f, Options{Logger: quiet}), http.MethodPost, "/factorize", `{"number":408216}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["done"])
	assert.Equal(t, float64(4), body["load"])
	assert.Equal(t, "2^3 3^1 73^1 233^1", body["factorization_str"])
	assert.Len(t, body["factorization"], 4)
}

func TestNonObjectPayload(t *testing.T) {
	f := &fakeSubmitter{
		result: func(key string) (*pollq.TaskStatus, error) {
			return &pollq.TaskStatus{Done: true, Key: key, Payload: json.RawMessage(`[1,2,3]`)}, nil
		},
	}
	code, body := do(t, NewRouter(f, Options{Logger: quiet}), http.MethodGet, "/results/sum:abc", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, body["payload"])
}

func TestRequestValidation(t *testing.T) {
	f := &fakeSubmitter{
		submit: func(string, interface{}) (*pollq.TaskStatus, error) {
			t.Error("invalid requests must not reach the broker")
			return nil, nil
		},
	}
	h := NewRouter(f, Options{Logger: quiet})

	tests := []struct {
		path string
		body string
	}{
		{"/factorize", `{"number":1}`},
		{"/factorize", `{}`},
		{"/factorize", `{"number":12.5}`},
		{"/factorize", `{"number":`},
		{"/ask", `{"question":""}`},
		{"/ask", `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.path+" "+tc.body, func(t *testing.T) {
			code, body := do(t, h, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestBrokerErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: task type must contain one or more characters", pollq.ErrInvalidTask), http.StatusBadRequest},
		{fmt.Errorf("%w: connection refused", pollq.ErrBrokerUnavailable), http.StatusServiceUnavailable},
		{errors.New("pollq: cannot decode result"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		f := &fakeSubmitter{
			submit: func(string, interface{}) (*pollq.TaskStatus, error) { return nil, tc.err },
		}
		code, _ := do(t, NewRouter(f, Options{Logger: quiet}), http.MethodPost, "/ask", `{"question":"why?"}`)
		assert.Equal(t, tc.want, code, tc.err.Error())
	}
}

func TestRateLimit(t *testing.T) {
	f := &fakeSubmitter{}
	h := NewRouter(f, Options{Logger: quiet, RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		code, _ := do(t, h, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, code)
	}
	code, body := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "too many requests", body["error"])
}
