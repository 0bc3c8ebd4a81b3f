package redislocker

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// LockerOption configures a RedisLocker instance.
type LockerOption func(l *RedisLocker)

// WithLogger configures the RedisLocker to use the provided structured
// logger. If not set, a JSON logger writing to stderr will be used.
func WithLogger(logger *slog.Logger) LockerOption {
	return func(l *RedisLocker) {
		l.Logger = logger
	}
}

// NewFromClient creates a new RedisLocker using an existing Redis client.
// This is useful when you want to reuse an existing Redis connection or
// need custom Redis client configuration.
//
// The locker uses redsync for the distributed mutex implementation and
// Redis pub/sub for lock coordination messaging.
func NewFromClient(client redis.UniversalClient, lockerOptions ...LockerOption) (*RedisLocker, error) {
	rs := redsync.New(goredis.NewPool(client))

	locker := &RedisLocker{
		CreateMutex: func(id string) MutexLock {
			return rs.NewMutex(id, redsync.WithExpiry(LockExpiry))
		},
		Exchange: &RedisLockExchange{
			Client: client,
		},
	}
	for _, option := range lockerOptions {
		option(locker)
	}
	if locker.Logger == nil {
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
		locker.Logger = slog.New(h)
	}

	return locker, nil
}

// New creates a new RedisLocker by connecting to Redis using the provided
// URI. The URI should be in the format:
// redis://[username:password@]host:port[/database]
func New(uri string, lockerOptions ...LockerOption) (*RedisLocker, error) {
	connection, err := redis.ParseURL(uri)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(connection)
	if res := client.Ping(context.Background()); res.Err() != nil {
		return nil, res.Err()
	}
	return NewFromClient(client, lockerOptions...)
}
