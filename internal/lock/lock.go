// Package lock provides short-lived mutual exclusion keyed by string,
// used to serialise checkout attempts for the same cart.
package lock

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is still held by someone else
// after the wait budget is spent.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives the lock back. Releasing an expired lock is a no-op.
type Release func(ctx context.Context) error

// unlockScript deletes the key only if it still holds our token, so a lease
// that expired and was re-acquired elsewhere is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configures a Redis locker.
type Options struct {
	// Prefix is prepended to every key.
	Prefix string
	// TTL bounds how long a lease survives a crashed holder.
	TTL time.Duration
	// Wait is the total time Acquire keeps retrying.
	Wait time.Duration
	// Retry is the pause between attempts.
	Retry time.Duration
}

// Redis is a single-instance Redis lock using SET NX PX.
type Redis struct {
	client redis.Cmdable
	opts   Options
}

// NewRedis returns a Redis locker.
func NewRedis(client redis.Cmdable, opts Options) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 50 * time.Millisecond
	}
	return &Redis{client: client, opts: opts}
}

// Acquire takes the lock for key, retrying until Wait elapses.
func (l *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	key = l.opts.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.opts.Wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire %q", key)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					return errors.Wrapf(err, "release %q", key)
				}
				return nil
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}

		timer := time.NewTimer(l.opts.Retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Noop never blocks. It is used when no Redis address is configured.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}
