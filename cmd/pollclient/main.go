// Command pollclient submits random numbers to be factorized and polls
// until every factorization is done.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc/iter"

	"github.com/hemant/pollq"
	"github.com/hemant/pollq/internal/handlers"
)

// errPending is returned by a polling round while a factorization is not done.
var errPending = errors.New("factorizations pending")

// status is the part of a reply the client reads.
type status struct {
	Done             bool   `json:"done"`
	Load             int64  `json:"load"`
	FactorizationStr string `json:"factorization_str"`
}

// poller submits the factorization of one number and reports its status.
type poller interface {
	poll(ctx context.Context, n int64) (*status, error)
}

type httpPoller struct {
	url    string
	client *http.Client
}

func (p *httpPoller) poll(ctx context.Context, n int64) (*status, error) {
	body, err := json.Marshal(map[string]int64{"number": n})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	var s status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

type directPoller struct {
	client *pollq.Client
}

func (p *directPoller) poll(ctx context.Context, n int64) (*status, error) {
	ts, err := p.client.Submit(ctx, handlers.TypeFactorize, map[string]int64{"number": n})
	if err != nil {
		return nil, err
	}
	s := &status{Done: ts.Done, Load: ts.Load}
	if ts.Done {
		var f handlers.Factorization
		if err := json.Unmarshal(ts.Payload, &f); err != nil {
			return nil, err
		}
		s.FactorizationStr = f.FactorizationStr
	}
	return s, nil
}

type result struct {
	status *status
	err    error
}

// round polls every number concurrently and prints one line per number.
func round(ctx context.Context, p poller, numbers []int64) error {
	results := iter.Map(numbers, func(n *int64) result {
		s, err := p.poll(ctx, *n)
		return result{s, err}
	})
	done := true
	for i, r := range results {
		switch {
		case r.err != nil:
			fmt.Printf("%7d = error: %v\n", numbers[i], r.err)
			done = false
		case r.status.Done:
			fmt.Printf("%7d = %s\n", numbers[i], r.status.FactorizationStr)
		default:
			fmt.Printf("%7d = ...\n", numbers[i])
			done = false
		}
	}
	if !done {
		fmt.Println()
		return retry.RetryableError(errPending)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pollclient: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	url := flag.String("url", "http://localhost:8080/factorize", "factorize endpoint URL")
	direct := flag.Bool("direct", false, "submit straight to redis instead of the HTTP endpoint")
	redisURI := flag.String("redis", "redis://localhost:6379", "Redis URI, with -direct")
	modeName := flag.String("mode", "flat", "pending store mode, with -direct")
	count := flag.Int("count", 20, "how many numbers to factorize")
	maxNumber := flag.Int64("max", 1<<20, "largest number to draw")
	interval := flag.Duration("interval", time.Second, "delay between polling rounds")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	if *count <= 0 || *maxNumber < 2 {
		return errors.New("-count must be positive and -max at least 2")
	}

	var p poller
	if *direct {
		opt, err := pollq.ParseRedisURI(*redisURI)
		if err != nil {
			return err
		}
		mode, err := pollq.ParseMode(*modeName)
		if err != nil {
			return err
		}
		client := pollq.NewClient(opt, pollq.ClientConfig{Mode: mode})
		defer client.Close()
		p = &directPoller{client: client}
	} else {
		p = &httpPoller{url: *url, client: &http.Client{Timeout: 10 * time.Second}}
	}

	numbers := make([]int64, *count)
	for i := range numbers {
		numbers[i] = 2 + rand.Int63n(*maxNumber-1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backoff := retry.WithMaxDuration(*timeout, retry.NewConstant(*interval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		return round(ctx, p, numbers)
	})
}
