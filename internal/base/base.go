// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in pollq package.
package base

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hemant/pollq/internal/errors"
)

// Version of pollq library.
const Version = "1.0.0"

// DefaultNamespace is the key prefix used if none is specified by user.
const DefaultNamespace = "pollq"

// NamespacePrefix returns a prefix for all keys in the given namespace.
func NamespacePrefix(ns string) string {
	return ns + ":"
}

// PendingKeyPrefix returns the prefix of every flat pending entry.
func PendingKeyPrefix(ns string) string {
	return NamespacePrefix(ns) + "pending:"
}

// PendingKey returns a redis key for the flat pending entry of the given task key.
func PendingKey(ns, taskKey string) string {
	return PendingKeyPrefix(ns) + taskKey
}

// TypeKeyPrefix returns a prefix for all keys of the given task type.
// The braces keep every key of one type in the same cluster hash slot.
func TypeKeyPrefix(ns, tasktype string) string {
	return NamespacePrefix(ns) + "{" + tasktype + "}:"
}

// PendingSetKey returns a redis key for the sorted set of pending task keys of the given type.
func PendingSetKey(ns, tasktype string) string {
	return TypeKeyPrefix(ns, tasktype) + "pending"
}

// MessagesKey returns a redis key for the hash holding pending task messages of the given type.
func MessagesKey(ns, tasktype string) string {
	return TypeKeyPrefix(ns, tasktype) + "msg"
}

// AllTypes returns a redis key for the set of every task type seen in sharded mode.
func AllTypes(ns string) string {
	return NamespacePrefix(ns) + "types" // SET
}

// ResultKey returns a redis key for the cached result of the given task key.
func ResultKey(ns, taskKey string) string {
	return NamespacePrefix(ns) + "result:" + taskKey
}

// ArchivedKey returns a redis key for the tasks dropped after failing permanently.
func ArchivedKey(ns string) string {
	return NamespacePrefix(ns) + "archived" // ZSET
}

// AllServers returns a redis key for the set of live worker servers.
func AllServers(ns string) string {
	return NamespacePrefix(ns) + "servers" // ZSET
}

// ServerInfoKey returns a redis key for process info.
func ServerInfoKey(ns, hostname string, pid int, serverID string) string {
	return fmt.Sprintf("%sservers:{%s:%d:%s}", NamespacePrefix(ns), hostname, pid, serverID)
}

// WorkersKey returns a redis key for the workers given hostname, pid, and server ID.
func WorkersKey(ns, hostname string, pid int, serverID string) string {
	return fmt.Sprintf("%sworkers:{%s:%d:%s}", NamespacePrefix(ns), hostname, pid, serverID)
}

// ValidateTaskType validates a given task type name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateTaskType(tasktype string) error {
	if len(strings.TrimSpace(tasktype)) == 0 {
		return fmt.Errorf("task type must contain one or more characters")
	}
	if strings.ContainsAny(tasktype, "{}") {
		return fmt.Errorf("task type %q must not contain braces", tasktype)
	}
	return nil
}

// CanonicalParams returns the canonical JSON encoding of task parameters.
//
// Parameters may be any JSON-encodable Go value, or already encoded JSON given as
// []byte or json.RawMessage. A nil value is treated as an empty object.
// The result is always a JSON object whose keys are sorted at every depth;
// numbers are kept exactly as written.
func CanonicalParams(params interface{}) ([]byte, error) {
	var raw []byte
	switch p := params.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("parameters are not serializable: %v", err)
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parameters are not valid JSON: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("parameters contain trailing data")
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parameters must be a JSON object")
	}
	// encoding/json writes map keys in sorted order.
	return json.Marshal(obj)
}

// TaskKey derives the deterministic key of a task from its type and parameters.
// It returns the key together with the canonical parameters it was derived from.
func TaskKey(tasktype string, params interface{}) (key string, canonical []byte, err error) {
	const op errors.Op = "base.TaskKey"
	if err := ValidateTaskType(tasktype); err != nil {
		return "", nil, errors.E(op, errors.InvalidArgument, err)
	}
	canonical, err = CanonicalParams(params)
	if err != nil {
		return "", nil, errors.E(op, errors.InvalidArgument, err)
	}
	sum := sha256.Sum256(canonical)
	return tasktype + ":" + hex.EncodeToString(sum[:]), canonical, nil
}

// TaskMessage is the internal representation of a pending task.
// Serialized data of this type gets written to redis.
type TaskMessage struct {
	// Type indicates the kind of the task to be performed.
	Type string `json:"type"`

	// Key is the deterministic task key derived from Type and Params.
	Key string `json:"key"`

	// Params holds the canonical parameters needed to process the task.
	Params json.RawMessage `json:"params"`

	// EnqueuedAt is the time the entry was created, in unix milliseconds.
	EnqueuedAt int64 `json:"enqueued_at"`

	// Deadline is the time the entry expires, in unix milliseconds.
	Deadline int64 `json:"deadline"`

	// Retried is the number of times we've retried this task so far.
	Retried int `json:"retried"`

	// ErrorMsg holds the error message from the last failure.
	ErrorMsg string `json:"error_msg,omitempty"`

	// Time of last failure in unix milliseconds.
	//
	// Use zero to indicate no last failure
	LastFailedAt int64 `json:"last_failed_at,omitempty"`
}

// EncodeMessage marshals the given task message and returns an encoded bytes.
func EncodeMessage(msg *TaskMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded task message.
func DecodeMessage(data []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ResultMessage is the cached output of a completed task.
type ResultMessage struct {
	Key         string          `json:"key"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CompletedAt int64           `json:"completed_at"`
}

// EncodeResult marshals the given result message and returns an encoded bytes.
func EncodeResult(msg *ResultMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil result")
	}
	return json.Marshal(msg)
}

// DecodeResult unmarshals the given bytes and returns a decoded result message.
func DecodeResult(data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ServerInfo holds information about a running server.
type ServerInfo struct {
	Host              string    `json:"host"`
	PID               int       `json:"pid"`
	ServerID          string    `json:"server_id"`
	Mode              string    `json:"mode"`
	Concurrency       int       `json:"concurrency"`
	Types             []string  `json:"types"`
	Status            string    `json:"status"`
	Started           time.Time `json:"started"`
	ActiveWorkerCount int       `json:"active_worker_count"`
}

// EncodeServerInfo marshals the given ServerInfo and returns the encoded bytes.
func EncodeServerInfo(info *ServerInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil server info")
	}
	return json.Marshal(info)
}

// DecodeServerInfo decodes the given bytes into ServerInfo.
func DecodeServerInfo(b []byte) (*ServerInfo, error) {
	var info ServerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WorkerInfo holds information about a running worker.
type WorkerInfo struct {
	Host     string    `json:"host"`
	PID      int       `json:"pid"`
	ServerID string    `json:"server_id"`
	Key      string    `json:"key"`
	Type     string    `json:"type"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline"`
}

// EncodeWorkerInfo marshals the given WorkerInfo and returns the encoded bytes.
func EncodeWorkerInfo(info *WorkerInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil worker info")
	}
	return json.Marshal(info)
}

// DecodeWorkerInfo decodes the given bytes into WorkerInfo.
func DecodeWorkerInfo(b []byte) (*WorkerInfo, error) {
	var info WorkerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ResultCache maps task keys to completed results.
type ResultCache interface {
	// GetResult returns the cached result for key, or an error with
	// the NotFound code if there is none.
	GetResult(ctx context.Context, key string) (*ResultMessage, error)
	// WriteResult writes or overwrites the result and sets its expiry.
	WriteResult(ctx context.Context, msg *ResultMessage, ttl time.Duration) error
}

// PendingStore holds the tasks awaiting execution.
//
// See rdb.FlatStore and rdb.ShardedStore for the two strategies.
type PendingStore interface {
	// Ensure creates the entry unless one already exists for msg.Key.
	// It reports whether a new entry was created.
	Ensure(ctx context.Context, msg *TaskMessage, ttl time.Duration) (bool, error)
	// Dequeue claims one pending task. Strategies that partition by type
	// only look at the given types, in order.
	// It returns ErrNoProcessableTask if nothing is claimable.
	Dequeue(ctx context.Context, types ...string) (*TaskMessage, error)
	// Done removes the entry after its result has been written or it has been dropped.
	Done(ctx context.Context, msg *TaskMessage) error
	// Retry records a failed attempt and makes the task claimable again.
	Retry(ctx context.Context, msg *TaskMessage, errMsg string) error
	// Requeue makes a claimed task claimable again without counting an attempt.
	Requeue(ctx context.Context, msg *TaskMessage) error
	// Extend keeps a claimed task away from other workers for another lease
	// period while its handler is still running.
	Extend(ctx context.Context, msg *TaskMessage) error
	// Count returns the number of pending tasks, for the given type where the
	// strategy partitions by type.
	Count(ctx context.Context, tasktype string) (int64, error)
	// DeleteExpired removes up to batchSize entries of the given type past their deadline.
	DeleteExpired(ctx context.Context, tasktype string, batchSize int) (int64, error)
	// Types lists the task types known to the store.
	Types(ctx context.Context) ([]string, error)
}

// Broker is a message broker that supports operations to manage pending tasks
// and their results.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error

	ResultCache
	PendingStore

	// Archive keeps a record of a task dropped after failing permanently.
	Archive(ctx context.Context, msg *TaskMessage, errMsg string) error

	// State snapshot related methods
	WriteServerState(info *ServerInfo, workers []*WorkerInfo, ttl time.Duration) error
	ClearServerState(host string, pid int, serverID string) error
}
