// Command benchmark measures submit and processing throughput of pollq
// against a local redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hemant/pollq"
)

var (
	redisAddr = flag.String("redis", "localhost:6379", "redis address")
	modeFlag  = flag.String("mode", "flat", "pending store strategy: flat or sharded")
	scale     = flag.Int("scale", 1, "multiplies the number of tasks of every run")
)

type BenchmarkResult struct {
	Name     string
	Tasks    int
	Workers  int
	Duration time.Duration
	Rate     float64
	Success  int64
	Failed   int64
}

var allResults []BenchmarkResult

func mode() pollq.Mode {
	m, err := pollq.ParseMode(*modeFlag)
	if err != nil {
		log.Fatal(err)
	}
	return m
}

func redisOpt() pollq.RedisClientOpt {
	return pollq.RedisClientOpt{Addr: *redisAddr}
}

// clearRedis empties the result and pending databases.
func clearRedis() {
	results, pending := redisOpt().MakeRedisClients()
	defer results.Close()
	defer pending.Close()
	ctx := context.Background()
	results.FlushDB(ctx)
	pending.FlushDB(ctx)
}

func newResult(name string, tasks, workers int, d time.Duration, ok, failed int64) BenchmarkResult {
	r := BenchmarkResult{
		Name:     name,
		Tasks:    tasks,
		Workers:  workers,
		Duration: d,
		Rate:     float64(ok) / d.Seconds(),
		Success:  ok,
		Failed:   failed,
	}
	log.Printf("  Duration: %v", d)
	log.Printf("  Success: %d, Failed: %d", ok, failed)
	log.Printf("  Rate: %.2f tasks/sec", r.Rate)
	return r
}

// submitAll submits n distinct tasks of the given type from concurrency goroutines.
func submitAll(client *pollq.Client, tasktype string, n, concurrency int) (ok, failed int64) {
	run := uuid.NewString()
	var wg sync.WaitGroup
	perWorker := n / concurrency
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				params := map[string]interface{}{"run": run, "worker": worker, "seq": i}
				if _, err := client.Submit(context.Background(), tasktype, params); err != nil {
					atomic.AddInt64(&failed, 1)
				} else {
					atomic.AddInt64(&ok, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	return ok, failed
}

// BenchmarkSubmit measures the submission of distinct tasks.
func BenchmarkSubmit(numTasks, concurrency int) BenchmarkResult {
	log.Printf("\n=== SUBMIT BENCHMARK ===")
	log.Printf("Tasks: %d, Concurrency: %d goroutines", numTasks, concurrency)

	client := pollq.NewClient(redisOpt(), pollq.ClientConfig{Mode: mode(), PendingTTL: 10 * time.Minute})
	defer client.Close()

	start := time.Now()
	ok, failed := submitAll(client, "benchmark", numTasks, concurrency)
	return newResult(fmt.Sprintf("Submit (concurrency=%d)", concurrency), numTasks, concurrency, time.Since(start), ok, failed)
}

// BenchmarkPoll measures identical submissions polling one pending task.
func BenchmarkPoll(numPolls, concurrency int) BenchmarkResult {
	log.Printf("\n=== POLL BENCHMARK ===")
	log.Printf("Polls: %d, Concurrency: %d goroutines", numPolls, concurrency)

	client := pollq.NewClient(redisOpt(), pollq.ClientConfig{Mode: mode()})
	defer client.Close()

	params := map[string]string{"run": uuid.NewString()}
	var wg sync.WaitGroup
	var ok, failed int64
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < numPolls/concurrency; i++ {
				if _, err := client.Submit(context.Background(), "benchmark", params); err != nil {
					atomic.AddInt64(&failed, 1)
				} else {
					atomic.AddInt64(&ok, 1)
				}
			}
		}()
	}
	wg.Wait()
	return newResult(fmt.Sprintf("Poll one task (concurrency=%d)", concurrency), numPolls, concurrency, time.Since(start), ok, failed)
}

// BenchmarkProcessing measures how fast a server drains pre-submitted tasks.
func BenchmarkProcessing(numTasks, workers int) BenchmarkResult {
	log.Printf("\n=== PROCESSING BENCHMARK ===")
	log.Printf("Tasks: %d, Worker Pool: %d workers", numTasks, workers)

	client := pollq.NewClient(redisOpt(), pollq.ClientConfig{Mode: mode(), PendingTTL: 10 * time.Minute})
	ok, _ := submitAll(client, "benchmark", numTasks, 100)
	client.Close()
	log.Printf("Pre-submitted %d tasks", ok)

	var processed int64
	srv := pollq.NewServer(redisOpt(), pollq.Config{
		Mode:              mode(),
		Concurrency:       workers,
		TaskCheckInterval: 10 * time.Millisecond,
		LogLevel:          pollq.WarnLevel,
	})
	mux := pollq.NewServeMux()
	mux.HandleFunc("benchmark", func(ctx context.Context, t *pollq.Task) (interface{}, error) {
		atomic.AddInt64(&processed, 1)
		return map[string]bool{"ok": true}, nil
	})

	start := time.Now()
	if err := srv.Start(mux); err != nil {
		log.Fatalf("could not start server: %v", err)
	}
	defer srv.Shutdown()

	timeout := time.After(120 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	name := fmt.Sprintf("Processing (workers=%d)", workers)
	for {
		select {
		case <-ticker.C:
			if n := atomic.LoadInt64(&processed); n >= ok {
				return newResult(name, int(ok), workers, time.Since(start), n, 0)
			}
		case <-timeout:
			n := atomic.LoadInt64(&processed)
			log.Printf("TIMEOUT")
			return newResult(name, int(ok), workers, time.Since(start), n, ok-n)
		}
	}
}

func printSummaryTable() {
	fmt.Println()
	fmt.Printf("%-45s %10s %9s %12s\n", "Test", "Tasks", "Workers", "Rate (K/s)")
	for _, r := range allResults {
		fmt.Printf("%-45s %10d %9d %12.2f\n", r.Name, r.Tasks, r.Workers, r.Rate/1000)
	}
}

func main() {
	flag.Parse()
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("pollq benchmark, mode=%s", mode())
	log.Printf("CPU Cores: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	n := *scale
	for _, concurrency := range []int{10, 50, 100} {
		clearRedis()
		allResults = append(allResults, BenchmarkSubmit(20000*n, concurrency))
	}

	clearRedis()
	allResults = append(allResults, BenchmarkPoll(20000*n, 50))

	for _, workers := range []int{10, 50} {
		clearRedis()
		allResults = append(allResults, BenchmarkProcessing(10000*n, workers))
	}

	printSummaryTable()
	log.Printf("Completed at: %s", time.Now().Format("2006-01-02 15:04:05"))
}
