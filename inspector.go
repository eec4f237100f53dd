// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"fmt"
	"time"

	"github.com/hemant/pollq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Inspector is a client interface to inspect the pending store, the
// archive of dropped tasks and the live servers.
type Inspector struct {
	rdb  *rdb.RDB
	mode Mode
	// When an Inspector has been created with existing Redis connections, we do
	// not want to close them.
	sharedConnection bool
}

// NewInspector returns a new instance of Inspector.
func NewInspector(r RedisConnOpt, mode Mode, namespace string) *Inspector {
	results, pending := r.MakeRedisClients()
	i := NewInspectorFromRedisClients(results, pending, mode, namespace)
	i.sharedConnection = false
	return i
}

// NewInspectorFromRedisClients returns a new Inspector given redis clients
// for the result database and the pending database.
// Warning: The underlying redis connections are not closed by Inspector.Close.
func NewInspectorFromRedisClients(results, pending redis.UniversalClient, mode Mode, namespace string) *Inspector {
	return &Inspector{
		rdb:              newRDB(results, pending, mode, rdb.Options{Namespace: namespace}),
		mode:             mode,
		sharedConnection: true,
	}
}

// Close closes the connection with redis.
func (i *Inspector) Close() error {
	if i.sharedConnection {
		return fmt.Errorf("pollq: redis connection is shared so the Inspector can't be closed through pollq")
	}
	return i.rdb.Close()
}

// Mode returns the pending store strategy the inspector reads.
func (i *Inspector) Mode() Mode { return i.mode }

// TypeInfo describes the pending tasks of one type.
type TypeInfo struct {
	Type    string `json:"type"`
	Pending int64  `json:"pending"`
}

// Types returns the live pending count of every known task type, sorted by type.
// A flat store keeps no per type index, so it reports no types.
func (i *Inspector) Types(ctx context.Context) ([]*TypeInfo, error) {
	types, err := i.rdb.Types(ctx)
	if err != nil {
		return nil, err
	}
	var res []*TypeInfo
	for _, t := range types {
		n, err := i.rdb.Count(ctx, t)
		if err != nil {
			return nil, err
		}
		res = append(res, &TypeInfo{Type: t, Pending: n})
	}
	return res, nil
}

// Pending returns the total number of pending tasks.
func (i *Inspector) Pending(ctx context.Context) (int64, error) {
	if i.mode != ModeSharded {
		return i.rdb.Count(ctx, "")
	}
	types, err := i.Types(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, t := range types {
		total += t.Pending
	}
	return total, nil
}

// ServerInfo describes a running worker server.
type ServerInfo struct {
	ID          string        `json:"id"`
	Host        string        `json:"host"`
	PID         int           `json:"pid"`
	Mode        string        `json:"mode"`
	Concurrency int           `json:"concurrency"`
	Types       []string      `json:"types"`
	Status      string        `json:"status"`
	Started     time.Time     `json:"started"`
	Workers     []*WorkerInfo `json:"workers"`
}

// WorkerInfo describes a task being processed.
type WorkerInfo struct {
	Key      string    `json:"key"`
	Type     string    `json:"type"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline"`
}

// Servers returns the live servers together with their active workers,
// oldest server first.
func (i *Inspector) Servers(ctx context.Context) ([]*ServerInfo, error) {
	servers, err := i.rdb.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	var res []*ServerInfo
	for _, s := range servers {
		info := &ServerInfo{
			ID:          s.ServerID,
			Host:        s.Host,
			PID:         s.PID,
			Mode:        s.Mode,
			Concurrency: s.Concurrency,
			Types:       s.Types,
			Status:      s.Status,
			Started:     s.Started,
		}
		workers, err := i.rdb.ListWorkers(ctx, s)
		if err != nil {
			return nil, err
		}
		for _, w := range workers {
			info.Workers = append(info.Workers, &WorkerInfo{
				Key:      w.Key,
				Type:     w.Type,
				Started:  w.Started,
				Deadline: w.Deadline,
			})
		}
		res = append(res, info)
	}
	return res, nil
}

// ArchivedTask is a task that was dropped after failing permanently.
type ArchivedTask struct {
	Key          string    `json:"key"`
	Type         string    `json:"type"`
	Params       string    `json:"params"`
	Retried      int       `json:"retried"`
	LastError    string    `json:"last_error"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// Archived returns up to n most recently dropped tasks.
func (i *Inspector) Archived(ctx context.Context, n int) ([]*ArchivedTask, error) {
	msgs, err := i.rdb.ListArchived(ctx, n)
	if err != nil {
		return nil, err
	}
	var res []*ArchivedTask
	for _, m := range msgs {
		res = append(res, &ArchivedTask{
			Key:          m.Key,
			Type:         m.Type,
			Params:       string(m.Params),
			Retried:      m.Retried,
			LastError:    m.ErrorMsg,
			LastFailedAt: time.UnixMilli(m.LastFailedAt),
		})
	}
	return res, nil
}
