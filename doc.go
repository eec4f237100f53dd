// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package pollq provides an asynchronous task broker backed by Redis.

Callers submit a task as a type and a set of parameters, then poll for
its result by submitting the same task again. Identical submissions share a
single pending entry, workers claim and run pending tasks, and results are
cached for a while so later polls are answered without running anything.
Abandoned tasks simply expire.

# Quick Start

Client (Submit and Poll):

	client := pollq.NewClient(pollq.RedisClientOpt{
		Addr: "localhost:6379",
	}, pollq.ClientConfig{})
	defer client.Close()

	for {
		status, err := client.Submit(ctx, "factorize", map[string]int{"number": 408216})
		if err != nil {
			log.Fatal(err)
		}
		if status.Done {
			log.Printf("result: %s", status.Payload)
			break
		}
		log.Printf("pending, load=%d", status.Load)
		time.Sleep(time.Second)
	}

Server (Process Tasks):

	srv := pollq.NewServer(
		pollq.RedisClientOpt{Addr: "localhost:6379"},
		pollq.Config{Concurrency: 10},
	)

	mux := pollq.NewServeMux()
	mux.HandleFunc("factorize", func(ctx context.Context, t *pollq.Task) (interface{}, error) {
		var p struct{ Number int64 }
		if err := t.Bind(&p); err != nil {
			return nil, fmt.Errorf("%v: %w", err, pollq.SkipRetry)
		}
		return factorize(p.Number), nil
	})

	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}

# Task Keys

A task is identified by a key derived from its type and the SHA-256 of its
canonical JSON parameters, so parameter order never matters. The key is
returned in TaskStatus and may be polled with Client.Result.

# Modes

In flat mode (the default) every pending task is its own expiring key in a
dedicated Redis database; workers pick tasks at random and hold a lease on
the task while they run it. Load is the size of that database.

In sharded mode pending tasks are kept per type in a sorted set scored by
deadline, so worker pools can subscribe to a subset of types and scale
independently. Load is the number of live pending tasks of the submitted
type. Sharded mode works with Redis Cluster.

Clients and servers of one deployment must use the same mode and namespace.

# Failures

A handler error, panic or timeout makes the task claimable again until
Config.MaxRetry retries have been made; the task is then dropped and kept
in the archive. Errors wrapping SkipRetry drop the task right away.
*/
package pollq
