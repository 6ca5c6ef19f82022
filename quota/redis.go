package quota

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a Counter shared by every gateway using the same redis server.
// Each principal is one integer key.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Counter = &Redis{}

// release decrements but never below zero.
var release = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
	return 0
end
return n
`)

// NewRedis connects to the redis server at addr, e.g. "localhost:6379".
// Keys are prefixed with prefix.
func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis %s", addr)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(principal string) string {
	return r.prefix + "fetches:" + principal
}

func (r *Redis) Acquire(ctx context.Context, principal string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(principal)).Result()
	return n, errors.Wrap(err, "redis acquire")
}

func (r *Redis) Release(ctx context.Context, principal string) error {
	err := release.Run(ctx, r.client, []string{r.key(principal)}).Err()
	return errors.Wrap(err, "redis release")
}

func (r *Redis) Running(ctx context.Context, principal string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(principal)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, errors.Wrap(err, "redis running")
}

func (r *Redis) Close() error {
	return r.client.Close()
}
