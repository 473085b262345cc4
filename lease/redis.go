package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only when it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every dispatcher process.
type Redis struct {
	client *redis.Client
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("invalid REDIS_ADDR: %q", addr)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logrus.WithField("addr", addr).Info("Redis connection established")
	return client, nil
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l := Lease{Key: key, Token: newToken()}
	ok, err := r.client.SetNX(ctx, key, l.Token, ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return Lease{}, false, nil
	}
	return l, true, nil
}

func (r *Redis) Release(ctx context.Context, l Lease) error {
	n, err := releaseScript.Run(ctx, r.client, []string{l.Key}, l.Token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.Key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
