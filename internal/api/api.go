// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package api implements the HTTP front door: callers submit tasks and poll
// for their results by submitting the same request again.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/hemant/pollq"
	"github.com/hemant/pollq/internal/handlers"
)

// maxBodyBytes bounds the size of a request body.
const maxBodyBytes = 1 << 20

// Submitter is the broker front door the handlers talk to.
// *pollq.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, tasktype string, params interface{}) (*pollq.TaskStatus, error)
	Result(ctx context.Context, key string) (*pollq.TaskStatus, error)
	Ping() error
}

// Options configures the router.
type Options struct {
	// Logger receives request and error logs. Defaults to slog.Default().
	Logger *slog.Logger

	// RateLimit is the number of requests per second admitted.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size of the rate limiter. Defaults to 1.
	RateBurst int
}

// FactorizeRequest is the body of POST /factorize.
type FactorizeRequest struct {
	Number int64 `json:"number" validate:"gte=2,lte=1125899906842624"`
}

// AskRequest is the body of POST /ask.
type AskRequest struct {
	Question string `json:"question" validate:"required"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

type api struct {
	client   Submitter
	logger   *slog.Logger
	validate *validator.Validate
}

// NewRouter returns the front door routes.
func NewRouter(client Submitter, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{client: client, logger: logger, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.Use(rateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), burst)))
	}

	r.Get("/health", a.health)
	r.Post("/factorize", a.factorize)
	r.Post("/ask", a.ask)
	r.Post("/tasks/{type}", a.submitTask)
	r.Get("/results/{key}", a.result)
	return r
}

func (a *api) factorize(w http.ResponseWriter, r *http.Request) {
	var req FactorizeRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.submit(w, r, handlers.TypeFactorize, map[string]int64{"number": req.Number})
}

func (a *api) ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.submit(w, r, handlers.TypeAsk, map[string]string{"question": req.Question})
}

func (a *api) submitTask(w http.ResponseWriter, r *http.Request) {
	var params json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&params); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	a.submit(w, r, chi.URLParam(r, "type"), params)
}

func (a *api) result(w http.ResponseWriter, r *http.Request) {
	status, err := a.client.Result(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		a.respondBrokerError(w, r, err)
		return
	}
	respondJSON(w, a.logger, http.StatusOK, statusBody(status))
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.client.Ping(); err != nil {
		a.respondError(w, r, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	respondJSON(w, a.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads and validates a request body, replying with 400 on failure.
func (a *api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		a.respondError(w, r, http.StatusBadRequest, validationMessage(err), err)
		return false
	}
	return true
}

func (a *api) submit(w http.ResponseWriter, r *http.Request, tasktype string, params interface{}) {
	status, err := a.client.Submit(r.Context(), tasktype, params)
	if err != nil {
		a.respondBrokerError(w, r, err)
		return
	}
	respondJSON(w, a.logger, http.StatusOK, statusBody(status))
}

func (a *api) respondBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pollq.ErrInvalidTask):
		a.respondError(w, r, http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, pollq.ErrBrokerUnavailable):
		a.respondError(w, r, http.StatusServiceUnavailable, "store unavailable, retry later", err)
	default:
		a.respondError(w, r, http.StatusInternalServerError, "internal error", err)
	}
}

func (a *api) respondError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.logger.Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"status_code", status,
		"request_id", chimiddleware.GetReqID(r.Context()),
		"error", err)
	respondJSON(w, a.logger, status, ErrorResponse{Error: msg})
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

// statusBody renders a task status. Fields of an object payload are merged
// at the top level; any other payload is kept under "payload".
func statusBody(s *pollq.TaskStatus) map[string]interface{} {
	body := make(map[string]interface{})
	if s.Done {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(s.Payload, &fields); err == nil && fields != nil {
			for k, v := range fields {
				body[k] = v
			}
		} else {
			body["payload"] = s.Payload
		}
	}
	body["done"] = s.Done
	body["load"] = s.Load
	body["key"] = s.Key
	return body
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid field " + fe.Field() + ": failed on " + fe.Tag()
	}
	return "invalid request"
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", ww.Status(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()))
		})
	}
}

func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				respondJSON(w, slog.Default(), http.StatusTooManyRequests, ErrorResponse{Error: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
