// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hemant/pollq/internal/base"
	pollqerrors "github.com/hemant/pollq/internal/errors"
	"github.com/hemant/pollq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidTask indicates that a submission was rejected because its type
	// or parameters are malformed. Nothing is written to the store.
	ErrInvalidTask = errors.New("pollq: invalid task")

	// ErrBrokerUnavailable indicates that the store could not be reached.
	// The submission may be retried.
	ErrBrokerUnavailable = errors.New("pollq: broker unavailable")
)

// A Client submits tasks and polls for their results.
//
// Submissions never wait for a task to run: a caller learns about completion
// by submitting the same task again, or by calling Result with its key.
//
// Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	broker     *rdb.RDB
	pendingTTL time.Duration
	// When a Client has been created with existing Redis connections, we do
	// not want to close them.
	sharedConnection bool
}

// ClientConfig specifies how a Client submits tasks.
type ClientConfig struct {
	// Mode selects the pending store strategy. It must match the mode of the
	// servers processing the tasks.
	Mode Mode

	// Namespace prefixes every redis key.
	//
	// If unset, "pollq" is used.
	Namespace string

	// PendingTTL is how long a submitted task waits to be claimed before it
	// expires.
	//
	// If unset or zero, the ttl is set to 60 seconds.
	PendingTTL time.Duration

	// RefreshPendingTTL makes a submission that finds its task already
	// pending extend the task's expiry, so a task lives as long as somebody
	// keeps polling for it.
	RefreshPendingTTL bool
}

const defaultPendingTTL = 60 * time.Second

// NewClient returns a new Client instance given a redis connection option.
func NewClient(r RedisConnOpt, cfg ClientConfig) *Client {
	results, pending := r.MakeRedisClients()
	if cfg.Mode == ModeFlat && results == pending {
		panic(fmt.Sprintf("pollq: flat mode requires a dedicated pending database; %T provides one database", r))
	}
	c := NewClientFromRedisClients(results, pending, cfg)
	c.sharedConnection = false
	return c
}

// NewClientFromRedisClients returns a new instance of Client given redis
// clients for the result database and the pending database.
// Warning: The underlying redis connections are not closed by Client.Close.
func NewClientFromRedisClients(results, pending redis.UniversalClient, cfg ClientConfig) *Client {
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &Client{
		broker: newRDB(results, pending, cfg.Mode, rdb.Options{
			Namespace:         cfg.Namespace,
			RefreshPendingTTL: cfg.RefreshPendingTTL,
		}),
		pendingTTL:       ttl,
		sharedConnection: true,
	}
}

// newRDB builds the broker with the pending store strategy of the given mode.
func newRDB(results, pending redis.UniversalClient, mode Mode, opts rdb.Options) *rdb.RDB {
	var store base.PendingStore
	switch mode {
	case ModeSharded:
		store = rdb.NewShardedStore(pending, opts)
	default:
		store = rdb.NewFlatStore(pending, opts)
	}
	return rdb.NewRDB(results, pending, store, opts)
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("pollq: redis connection is shared so the Client can't be closed through pollq")
	}
	return c.broker.Close()
}

// Ping performs a ping against the redis connection.
func (c *Client) Ping() error {
	return c.broker.Ping()
}

// TaskStatus describes a submitted task as seen by a polling caller.
type TaskStatus struct {
	// Done reports whether a result is available.
	Done bool

	// Key is the deterministic task key.
	Key string

	// Payload is the JSON result of the task. It is nil unless Done is true.
	Payload json.RawMessage

	// Load is the number of pending tasks: all of them in flat mode,
	// those of the task's type in sharded mode.
	Load int64
}

// Submit returns the result of the task identified by its type and parameters
// if one is cached. Otherwise it makes sure the task is pending and reports it
// as not done. Identical submissions made while the task is pending share a
// single entry.
//
// params may be any JSON encodable value that encodes to an object, or
// already encoded JSON as []byte or json.RawMessage.
//
// Submit returns an error wrapping ErrInvalidTask if the type or parameters
// are malformed, and an error wrapping ErrBrokerUnavailable if the store
// could not be reached.
func (c *Client) Submit(ctx context.Context, tasktype string, params interface{}) (*TaskStatus, error) {
	key, canonical, err := base.TaskKey(tasktype, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	status, err := c.lookup(ctx, tasktype, key)
	if err != nil || status.Done {
		return status, err
	}
	msg := &base.TaskMessage{
		Type:       tasktype,
		Key:        key,
		Params:     json.RawMessage(canonical),
		EnqueuedAt: time.Now().UnixMilli(),
	}
	if _, err := c.broker.Ensure(ctx, msg, c.pendingTTL); err != nil {
		return nil, c.wrapErr(err)
	}
	load, err := c.load(ctx, tasktype)
	if err != nil {
		return nil, err
	}
	status.Load = load
	return status, nil
}

// Result reports the status of a previously submitted task given its key.
// Unlike Submit, it never creates a pending entry.
func (c *Client) Result(ctx context.Context, key string) (*TaskStatus, error) {
	tasktype, err := typeOfKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	status, err := c.lookup(ctx, tasktype, key)
	if err != nil || status.Done {
		return status, err
	}
	load, err := c.load(ctx, tasktype)
	if err != nil {
		return nil, err
	}
	status.Load = load
	return status, nil
}

// lookup checks the result cache. The load is filled in on a hit only.
func (c *Client) lookup(ctx context.Context, tasktype, key string) (*TaskStatus, error) {
	res, err := c.broker.GetResult(ctx, key)
	switch {
	case pollqerrors.IsNotFound(err):
		return &TaskStatus{Key: key}, nil
	case err != nil:
		return nil, c.wrapErr(err)
	}
	load, err := c.load(ctx, tasktype)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{Done: true, Key: key, Payload: res.Payload, Load: load}, nil
}

func (c *Client) load(ctx context.Context, tasktype string) (int64, error) {
	n, err := c.broker.Count(ctx, tasktype)
	if err != nil {
		return 0, c.wrapErr(err)
	}
	return n, nil
}

func (c *Client) wrapErr(err error) error {
	if pollqerrors.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return fmt.Errorf("pollq: %v", err)
}

// typeOfKey recovers the task type from a task key.
func typeOfKey(key string) (string, error) {
	const hashLen = 64 // hex encoded sha256
	if len(key) < hashLen+2 || key[len(key)-hashLen-1] != ':' {
		return "", fmt.Errorf("malformed task key %q", key)
	}
	tasktype := key[:len(key)-hashLen-1]
	if err := base.ValidateTaskType(tasktype); err != nil {
		return "", err
	}
	return tasktype, nil
}
