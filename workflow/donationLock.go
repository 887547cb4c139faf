package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/utils"
)

// Locker serialises work on one key. The returned func releases the lock and is safe to call twice.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

func DonationLockKey(donationId int) string {
	return fmt.Sprintf("donation-lock:%d", donationId)
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once nobody holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*localLock)
	}
	entry, ok := l.locks[key]
	if !ok {
		entry = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, utils.PersistenceError(ctx.Err(), "lock "+key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.drop(key, entry)
		})
	}, nil
}

func (l *LocalLocker) drop(key string, entry *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLocker holds the lock in redis so that every API instance shares it.
type RedisLocker struct {
	Client *redislock.Client
	TTL    time.Duration
	Logger *logrus.Logger
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	obtainCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, ttl)
		defer cancel()
	}
	lock, err := l.Client.Obtain(obtainCtx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, utils.PersistenceError(fmt.Errorf("lock %s is busy", key), "lock "+key)
	}
	if err != nil {
		return nil, utils.PersistenceError(err, "lock "+key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := lock.Release(context.Background()); err != nil && l.Logger != nil {
				l.Logger.WithFields(logrus.Fields{
					"field": "RedisLocker",
					"key":   key,
				}).Warn("failed to release lock: " + err.Error())
			}
		})
	}, nil
}

var (
	defaultLocker     Locker
	defaultLockerOnce sync.Once
)

// DefaultLocker returns the redis locker when redis is connected, otherwise a process-wide LocalLocker.
func DefaultLocker() Locker {
	defaultLockerOnce.Do(func() {
		if client := config.GetRedisLock(); client != nil {
			ttl := 30 * time.Second
			if c, err := config.GetConfig(); err == nil && c.DonationLockTTL > 0 {
				ttl = c.DonationLockTTL
			}
			defaultLocker = &RedisLocker{Client: client, TTL: ttl, Logger: config.GetLogger()}
			return
		}
		defaultLocker = NewLocalLocker()
	})
	return defaultLocker
}
