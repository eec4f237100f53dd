// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pollq

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hemant/pollq/internal/base"
	"github.com/hemant/pollq/internal/log"
	"github.com/hemant/pollq/internal/rdb"
	"github.com/hemant/pollq/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// Server is responsible for task processing.
//
// Server claims pending tasks and runs their handlers, writes each result
// to the result cache and removes the pending entry.
// If the processing of a task is unsuccessful, the task is made claimable
// again until it reaches its max retry count, after which it is dropped and
// kept in the archive.
type Server struct {
	logger *log.Logger

	broker base.Broker
	// When a Server has been created with existing Redis connections, we do
	// not want to close them.
	sharedConnection bool

	mode  Mode
	types []string

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	processor     *processor
	heartbeater   *heartbeater
	healthchecker *healthchecker
	janitor       *janitor
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer processing new tasks.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's task processing behavior.
type Config struct {
	// Mode selects the pending store strategy. It must match the mode of the
	// clients submitting the tasks.
	Mode Mode

	// Namespace prefixes every redis key.
	//
	// If unset, "pollq" is used.
	Namespace string

	// Types narrows the task types the server subscribes to.
	//
	// If unset, the server subscribes to every type registered on the
	// ServeMux given to Start. With a handler that is not a ServeMux, an
	// unset list means every type in the store.
	Types []string

	// Maximum number of concurrent processing of tasks.
	//
	// If set to a zero or negative value, NewServer will overwrite the value
	// to the number of CPUs usable by the current process.
	Concurrency int

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// TaskCheckInterval specifies the interval between checks for new tasks to process when the store is empty
	// or unreachable.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	TaskCheckInterval time.Duration

	// TaskTimeout bounds a single handler invocation. In flat mode it is also
	// how long a claimed entry stays hidden from other workers.
	//
	// If unset or zero, the timeout is set to 30 seconds.
	TaskTimeout time.Duration

	// MaxRetry is the number of times a failed task is retried before it is dropped.
	//
	// If unset or zero, 3 retries are made. A negative value disables retries.
	MaxRetry int

	// ResultTTL is how long a result stays in the result cache.
	//
	// If unset or zero, the ttl is set to 10 minutes.
	ResultTTL time.Duration

	// ErrorHandler handles errors returned by the task handler.
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let workers finish their tasks
	// before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// JanitorInterval specifies the interval between sweeps of expired pending entries.
	// Only sharded mode runs the janitor.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the number of expired entries of a type to be deleted in one run.
	//
	// If unset or zero, default batch size of 100 is used.
	JanitorBatchSize int
}

// An ErrorHandler handles an error occurred during task processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, task *Task, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, task *Task, err error)

// HandleError calls fn(ctx, task, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, task *Task, err error) {
	fn(ctx, task, err)
}

// Logger supports logging at various log levels.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(args ...interface{})

	// Info logs a message at Info level.
	Info(args ...interface{})

	// Warn logs a message at Warning level.
	Warn(args ...interface{})

	// Error logs a message at Error level.
	Error(args ...interface{})

	// Fatal logs a message at Fatal level
	// and process will exit with status set to 1.
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
//
// It satisfies flag.Value interface.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota

	// DebugLevel is the lowest level of logging.
	// Debug logs are intended for debugging and development purposes.
	DebugLevel

	// InfoLevel is used for general informational log messages.
	InfoLevel

	// WarnLevel is used for undesired but relatively expected events,
	// which may indicate a problem.
	WarnLevel

	// ErrorLevel is used for undesired and unexpected events that
	// the program can recover from.
	ErrorLevel

	// FatalLevel is used for undesired and unexpected events that
	// the program cannot recover from.
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("pollq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("pollq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("pollq: unexpected log level: %v", l))
}

const (
	defaultTaskCheckInterval   = 1 * time.Second
	defaultTaskTimeout         = 30 * time.Second
	defaultMaxRetry            = 3
	defaultResultTTL           = 10 * time.Minute
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultHeartbeatInterval   = 5 * time.Second
	defaultJanitorInterval     = 8 * time.Second
	defaultJanitorBatchSize    = 100
)

// NewServer returns a new Server given a redis connection option
// and server configuration.
func NewServer(r RedisConnOpt, cfg Config) *Server {
	results, pending := r.MakeRedisClients()
	if cfg.Mode == ModeFlat && results == pending {
		panic(fmt.Sprintf("pollq: flat mode requires a dedicated pending database; %T provides one database", r))
	}
	server := NewServerFromRedisClients(results, pending, cfg)
	server.sharedConnection = false
	return server
}

// NewServerFromRedisClients returns a new instance of Server given redis
// clients for the result database and the pending database, and server
// configuration.
// Warning: The underlying redis connections are not closed by Server.Shutdown.
func NewServerFromRedisClients(results, pending redis.UniversalClient, cfg Config) *Server {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	n := cfg.Concurrency
	if n < 1 {
		n = runtime.NumCPU()
	}

	taskCheckInterval := cfg.TaskCheckInterval
	if taskCheckInterval <= 0 {
		taskCheckInterval = defaultTaskCheckInterval
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	maxRetry := cfg.MaxRetry
	switch {
	case maxRetry == 0:
		maxRetry = defaultMaxRetry
	case maxRetry < 0:
		maxRetry = 0
	}
	resultTTL := cfg.ResultTTL
	if resultTTL <= 0 {
		resultTTL = defaultResultTTL
	}
	var types []string
	for _, t := range cfg.Types {
		if err := base.ValidateTaskType(t); err != nil {
			continue // ignore invalid task types
		}
		types = append(types, t)
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	clock := timeutil.NewRealClock()
	broker := newRDB(results, pending, cfg.Mode, rdb.Options{
		Namespace:     cfg.Namespace,
		Clock:         clock,
		LeaseDuration: taskTimeout,
	})
	starting := make(chan *workerInfo)
	finished := make(chan *base.TaskMessage)
	srvState := &serverState{value: srvStateNew}

	heartbeater := newHeartbeater(heartbeaterParams{
		logger:      logger,
		broker:      broker,
		clock:       clock,
		interval:    defaultHeartbeatInterval,
		concurrency: n,
		mode:        cfg.Mode,
		state:       srvState,
		starting:    starting,
		finished:    finished,
	})
	processor := newProcessor(processorParams{
		logger:            logger,
		broker:            broker,
		clock:             clock,
		baseCtxFn:         baseCtxFn,
		mode:              cfg.Mode,
		taskCheckInterval: taskCheckInterval,
		taskTimeout:       taskTimeout,
		maxRetry:          maxRetry,
		resultTTL:         resultTTL,
		concurrency:       n,
		errHandler:        cfg.ErrorHandler,
		shutdownTimeout:   shutdownTimeout,
		starting:          starting,
		finished:          finished,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          broker,
		clock:           clock,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}

	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}
	janitor := newJanitor(janitorParams{
		logger:    logger,
		broker:    broker,
		interval:  janitorInterval,
		batchSize: janitorBatchSize,
	})
	return &Server{
		logger:           logger,
		broker:           broker,
		sharedConnection: true,
		mode:             cfg.Mode,
		types:            types,
		state:            srvState,
		processor:        processor,
		heartbeater:      heartbeater,
		healthchecker:    healthchecker,
		janitor:          janitor,
	}
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("pollq: Server closed")

// Run starts the task processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active workers and other
// goroutines to process the tasks.
func (srv *Server) Run(handler Handler) error {
	if err := srv.Start(handler); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started,
// it claims pending tasks and starts a worker goroutine for each task
// and then call Handler to process it.
func (srv *Server) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("pollq: server cannot run with nil handler")
	}
	types, err := srv.subscriptions(handler)
	if err != nil {
		return err
	}

	if err := srv.start(); err != nil {
		return err
	}
	srv.processor.handler = handler
	srv.processor.subscribe(types)
	srv.heartbeater.types = types
	srv.janitor.types = types
	if len(types) > 0 {
		srv.logger.Infof("Starting processing in %s mode, types=%v", srv.mode, types)
	} else {
		srv.logger.Infof("Starting processing in %s mode, all types", srv.mode)
	}

	srv.heartbeater.start(&srv.wg)
	srv.healthchecker.start(&srv.wg)
	srv.processor.start(&srv.wg)
	if srv.mode == ModeSharded {
		srv.janitor.start(&srv.wg)
	}
	return nil
}

// subscriptions resolves the task types the server works on.
// A handler that lists its types narrows the configured types to those it can process.
func (srv *Server) subscriptions(handler Handler) ([]string, error) {
	lister, ok := handler.(interface{ Types() []string })
	if !ok {
		return srv.types, nil
	}
	registered := lister.Types()
	if len(registered) == 0 {
		return nil, fmt.Errorf("pollq: server cannot run with a handler that has no registered types")
	}
	if len(srv.types) == 0 {
		return registered, nil
	}
	known := make(map[string]bool, len(registered))
	for _, t := range registered {
		known[t] = true
	}
	var types []string
	for _, t := range srv.types {
		if !known[t] {
			srv.logger.Warnf("No handler registered for configured type %q, ignoring it", t)
			continue
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("pollq: none of the configured types %v has a registered handler", srv.types)
	}
	return types, nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("pollq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("pollq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
// It waits up to Config.ShutdownTimeout for in-flight tasks; tasks still
// running after that are pushed back to the store.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	// Note: The order of shutdown is important.
	// Sender goroutines should be terminated before the receiver goroutines.
	// processor -> heartbeater (via starting, finished channels)
	srv.processor.shutdown()
	if srv.mode == ModeSharded {
		srv.janitor.shutdown()
	}
	srv.healthchecker.shutdown()
	srv.heartbeater.shutdown()
	srv.wg.Wait()

	if !srv.sharedConnection {
		srv.broker.Close()
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop claiming new tasks.
// Tasks already claimed keep running.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping processor")
	srv.processor.stop()
	srv.logger.Info("Processor stopped")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.broker.Ping()
}
