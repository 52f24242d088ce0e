package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/life2you_mini/riskguard/internal/config"
)

// ClientOptions Redis客户端配置选项
type ClientOptions struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ClientOptionsFromConfig 从应用配置构建客户端选项
func ClientOptionsFromConfig(cfg config.RedisConfig) ClientOptions {
	return ClientOptions{
		Host:     cfg.Host,
		Port:     strconv.Itoa(cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewRedisClient 创建新的Redis客户端并测试连接
func NewRedisClient(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(opts.Host, opts.Port),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	return client, nil
}

// ErrLockNotHeld 锁已被其他实例持有或已过期
var ErrLockNotHeld = errors.New("未持有分布式锁")

var (
	releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end`)

	refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end`)
)

// Lock 基于 SETNX 的分布式锁，value 用于校验持有者
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewLock 创建分布式锁
func NewLock(client *redis.Client, key, value string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, value: value, ttl: ttl}
}

// Acquire 尝试获取锁，已被持有时返回 false
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取分布式锁失败: %w", err)
	}
	return ok, nil
}

// Refresh 延长锁的有效期
func (l *Lock) Refresh(ctx context.Context) error {
	result, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("续期分布式锁失败: %w", err)
	}
	if result != 1 {
		return ErrLockNotHeld
	}
	return nil
}

// Release 释放锁，仅当仍由自己持有时删除
func (l *Lock) Release(ctx context.Context) (bool, error) {
	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return false, fmt.Errorf("释放分布式锁失败: %w", err)
	}
	return result == 1, nil
}

// TTL 锁的有效期
func (l *Lock) TTL() time.Duration {
	return l.ttl
}
