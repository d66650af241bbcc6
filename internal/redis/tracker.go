package redis

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"rbac-cache/internal/common/logging"
)

// Stats describes the health of the connection as seen by issued commands.
type Stats struct {
	ConsecutiveFailures int64
	LastSuccess         time.Time
	LastError           string
	LastErrorAt         time.Time
}

// tracker is a go-redis hook recording the outcome of every command.
// A redis.Nil reply is a successful miss, not a failure.
type tracker struct {
	logger   logging.Logger
	failures atomic.Int64
	lastOK   atomic.Int64 // unix nanos

	mu        sync.Mutex
	lastErr   string
	lastErrAt time.Time

	logSometimes rate.Sometimes
}

func newTracker(logger logging.Logger) *tracker {
	return &tracker{
		logger:       logger,
		logSometimes: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func (t *tracker) success() {
	t.failures.Store(0)
	t.lastOK.Store(time.Now().UnixNano())
}

func (t *tracker) failure(cmd string, err error) {
	n := t.failures.Add(1)

	t.mu.Lock()
	t.lastErr = err.Error()
	t.lastErrAt = time.Now()
	t.mu.Unlock()

	t.logSometimes.Do(func() {
		t.logger.Error("Redis command failed", err,
			logging.String("command", cmd),
			logging.Int64("consecutive_failures", n),
		)
	})
}

func (t *tracker) observe(cmd redis.Cmder) {
	err := cmd.Err()
	if err == nil || stderrors.Is(err, redis.Nil) {
		t.success()
		return
	}
	t.failure(cmd.Name(), err)
}

func (t *tracker) snapshot() Stats {
	s := Stats{ConsecutiveFailures: t.failures.Load()}
	if ns := t.lastOK.Load(); ns > 0 {
		s.LastSuccess = time.Unix(0, ns)
	}
	t.mu.Lock()
	s.LastError = t.lastErr
	s.LastErrorAt = t.lastErrAt
	t.mu.Unlock()
	return s
}

func (t *tracker) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (t *tracker) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	t.observe(cmd)
	return nil
}

func (t *tracker) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (t *tracker) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	for _, cmd := range cmds {
		t.observe(cmd)
	}
	return nil
}
