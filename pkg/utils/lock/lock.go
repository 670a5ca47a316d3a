package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock 多实例之间互斥执行的锁
type DistributedLock interface {
	// Acquire 尝试获取锁, 返回是否成功
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release 释放自己持有的锁
	Release(ctx context.Context, key string) error
}

// releaseScript 只删除 value 与自己 token 相同的 key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock 基于 SET NX 的实现, token 标识持有者
type RedisLock struct {
	client *redis.Client
	token  string
}

func NewRedisLock(client *redis.Client, token string) *RedisLock {
	return &RedisLock{client: client, token: token}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "lock:"+key, l.token, ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{"lock:" + key}, l.token).Err()
}
