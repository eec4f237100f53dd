// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// DefaultPendingDB is the redis database used for pending entries when
// RedisClientOpt.PendingDB is zero.
const DefaultPendingDB = 1

// RedisConnOpt is a discriminated union of types that represent Redis connection configuration option.
//
// RedisConnOpt represents a sum of following types:
//
//   - RedisClientOpt
//   - RedisClusterClientOpt
type RedisConnOpt interface {
	// MakeRedisClients returns new redis clients for the result database
	// and the pending database. Both may be the same client.
	MakeRedisClients() (results, pending redis.UniversalClient)
}

// RedisClientOpt is used to create a redis client that connects
// to a redis server directly.
type RedisClientOpt struct {
	// Network type to use, either tcp or unix.
	// Default is tcp.
	Network string

	// Redis server address in "host:port" format.
	Addr string

	// Username to authenticate the current connection when Redis ACLs are used.
	// See: https://redis.io/commands/auth.
	Username string

	// Password to authenticate the current connection.
	// See: https://redis.io/commands/auth.
	Password string

	// Redis DB holding results and server state.
	//
	// Default is 0.
	ResultDB int

	// Redis DB holding pending entries. In flat mode this database must hold
	// nothing else, since workers sample it with RANDOMKEY.
	//
	// If zero, DefaultPendingDB is used.
	PendingDB int

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads.
	// If timeout is reached, read commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is 3 seconds.
	ReadTimeout time.Duration

	// Timeout for socket writes.
	// If timeout is reached, write commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is ReadTimout.
	WriteTimeout time.Duration

	// Maximum number of socket connections per database.
	// Default is 10 connections per every CPU as reported by runtime.NumCPU.
	PoolSize int

	// TLS Config used to connect to a server.
	// TLS will be negotiated only if this field is set.
	TLSConfig *tls.Config
}

func (opt RedisClientOpt) options(db int) *redis.Options {
	return &redis.Options{
		Network:      opt.Network,
		Addr:         opt.Addr,
		Username:     opt.Username,
		Password:     opt.Password,
		DB:           db,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
		PoolSize:     opt.PoolSize,
		TLSConfig:    opt.TLSConfig,
	}
}

// MakeRedisClients returns one client per database.
func (opt RedisClientOpt) MakeRedisClients() (results, pending redis.UniversalClient) {
	pendingDB := opt.PendingDB
	if pendingDB == 0 {
		pendingDB = DefaultPendingDB
	}
	return redis.NewClient(opt.options(opt.ResultDB)), redis.NewClient(opt.options(pendingDB))
}

// RedisClusterClientOpt is used to creates a redis client that connects to
// redis cluster.
//
// A cluster has a single database, so it can only back servers and clients
// running in sharded mode.
type RedisClusterClientOpt struct {
	// A seed list of host:port addresses of cluster nodes.
	Addrs []string

	// The maximum number of retries before giving up.
	// Command is retried on network errors and MOVED/ASK redirects.
	// Default is 8 retries.
	MaxRedirects int

	// Username to authenticate the current connection when Redis ACLs are used.
	// See: https://redis.io/commands/auth.
	Username string

	// Password to authenticate the current connection.
	// See: https://redis.io/commands/auth.
	Password string

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads.
	// Use value -1 for no timeout and 0 for default.
	// Default is 3 seconds.
	ReadTimeout time.Duration

	// Timeout for socket writes.
	// Use value -1 for no timeout and 0 for default.
	// Default is ReadTimeout.
	WriteTimeout time.Duration

	// TLS Config used to connect to a server.
	// TLS will be negotiated only if this field is set.
	TLSConfig *tls.Config
}

// MakeRedisClients returns the same cluster client for both roles.
func (opt RedisClusterClientOpt) MakeRedisClients() (results, pending redis.UniversalClient) {
	c := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        opt.Addrs,
		MaxRedirects: opt.MaxRedirects,
		Username:     opt.Username,
		Password:     opt.Password,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
		TLSConfig:    opt.TLSConfig,
	})
	return c, c
}

// ParseRedisURI parses redis uri string and returns RedisConnOpt if uri is valid.
// It returns a non-nil error if uri cannot be parsed.
//
// Three URI schemes are supported, which are redis:, rediss:, and unix:.
// The path selects the result database, and the optional pending_db query
// parameter selects the pending database.
//
// Example:
//
//	redis://[:password@]host[:port][/dbnumber][?pending_db=N]
//	rediss://[:password@]host[:port][/dbnumber][?pending_db=N]
//	unix://[:password@]path[?db=N&pending_db=M]
func ParseRedisURI(uri string) (RedisConnOpt, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("pollq: could not parse redis uri: %v", err)
	}
	switch u.Scheme {
	case "redis", "rediss", "unix":
	default:
		return nil, fmt.Errorf("pollq: unsupported uri scheme: %q", u.Scheme)
	}
	q := u.Query()
	var pendingDB int
	if v := q.Get("pending_db"); v != "" {
		pendingDB, err = cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("pollq: invalid pending_db %q: %v", v, err)
		}
		q.Del("pending_db")
		u.RawQuery = q.Encode()
	}
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("pollq: could not parse redis uri: %v", err)
	}
	network := opts.Network
	if strings.EqualFold(network, "tcp") {
		network = ""
	}
	return RedisClientOpt{
		Network:   network,
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		ResultDB:  opts.DB,
		PendingDB: pendingDB,
		TLSConfig: opts.TLSConfig,
	}, nil
}
