// Package locks provides non-blocking distributed locks on top of the
// Redlock implementation in go-redsync.
//
// A lock is a key holding a random value with an expiry. Acquisition is a
// single SET NX attempt; callers that lose the race get (nil, nil) and decide
// themselves whether to poll or give up. Release deletes the key only while it
// still holds the caller's value, so a holder whose lock expired and was taken
// over cannot release the new holder's lock.
package locks

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
	"rbac-cache/internal/redis"
)

// Manager creates locks under a key prefix.
type Manager struct {
	redsync *redsync.Redsync
	prefix  string
	logger  logging.Logger
}

// Lock is a held distributed lock.
type Lock struct {
	mutex    *redsync.Mutex
	key      string
	acquired time.Time
	ttl      time.Duration
}

// NewManager creates a lock manager. Lock keys are prefix + key.
func NewManager(redisClient *redis.Client, prefix string, logger logging.Logger) (*Manager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}

	pool := goredis.NewPool(redisClient.UniversalClient())

	return &Manager{
		redsync: redsync.New(pool),
		prefix:  prefix,
		logger:  logging.OrGlobal(logger).WithFields(logging.String("component", "locks")),
	}, nil
}

// TryAcquire makes one attempt to take the lock for key. It returns
// (nil, nil) when the lock is held by someone else.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, errors.ConfigError("lock ttl must be positive").WithContext("key", key)
	}

	mutex := m.redsync.NewMutex(m.prefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isTaken(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to acquire distributed lock", err).WithContext("key", key)
	}

	m.logger.Debug("Lock acquired", logging.String("key", key), logging.Duration("ttl", ttl))
	return &Lock{
		mutex:    mutex,
		key:      key,
		acquired: time.Now(),
		ttl:      ttl,
	}, nil
}

// Key returns the key the lock guards, without prefix.
func (l *Lock) Key() string {
	return l.key
}

// Name returns the stored lock key.
func (l *Lock) Name() string {
	return l.mutex.Name()
}

// Value returns the random value proving ownership.
func (l *Lock) Value() string {
	return l.mutex.Value()
}

// Acquired returns when the lock was taken.
func (l *Lock) Acquired() time.Time {
	return l.acquired
}

// Release deletes the lock if it still holds this lock's value. It reports
// false without error when the lock had already expired or changed hands.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	ok, err := l.mutex.UnlockContext(ctx)
	if ok {
		return true, nil
	}
	if err == nil || isNotHeld(err) {
		return false, nil
	}
	return false, errors.InternalError("failed to release distributed lock", err).WithContext("key", l.key)
}

// Extend restarts the lock's expiry if it is still held.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	ok, err := l.mutex.ExtendContext(ctx)
	if ok {
		return true, nil
	}
	if err == nil || isNotHeld(err) || isTaken(err) || stderrors.Is(err, redsync.ErrExtendFailed) {
		return false, nil
	}
	return false, errors.InternalError("failed to extend distributed lock", err).WithContext("key", l.key)
}

func isTaken(err error) bool {
	var taken *redsync.ErrTaken
	return stderrors.As(err, &taken) || stderrors.Is(err, redsync.ErrFailed)
}

func isNotHeld(err error) bool {
	if stderrors.Is(err, redsync.ErrLockAlreadyExpired) {
		return true
	}
	var redisErr *redsync.RedisError
	return stderrors.As(err, &redisErr) && stderrors.Is(redisErr.Err, redsync.ErrLockAlreadyExpired)
}
