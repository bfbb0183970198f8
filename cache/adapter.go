package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/mailsystem/cache/local"
	cacheredis "github.com/kasuganosora/mailsystem/cache/redis"
)

// ErrNotFound is returned by Get when a key is missing or expired.
// Both backends return an error that matches it with errors.Is.
var ErrNotFound = errors.New("cache: key not found")

// Cache defines the KV and Set operations used by the mail service:
// mailbox snapshots, generation counters, job locks and reminder flags.
type Cache interface {
	// KV
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	// CompareAndDel deletes key only while it still holds value.
	// It is used to release locks taken with SetNX.
	CompareAndDel(ctx context.Context, key, value string) (bool, error)

	// Set
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub defines channel publish/subscribe operations.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// CacheConfig holds configuration for both Redis and LocalCache.
type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

// IsNotFound reports whether err is a cache miss from either backend.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, local.ErrNotFound) || errors.Is(err, cacheredis.ErrNotFound)
}

// NewCache returns a Cache backed by Redis if RedisAddr is set,
// otherwise returns an in-process LocalCache.
func NewCache(cfg CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		return cacheredis.NewCache(cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return local.NewCache(local.Config{
		GCInterval: cfg.LocalGCInterval,
	})
}

// NewPubSub returns a PubSub backed by Redis if RedisAddr is set,
// otherwise returns an in-process LocalPubSub wrapped in an adapter.
func NewPubSub(cfg CacheConfig) (PubSub, error) {
	bufSize := cfg.LocalPubSubBuf
	if bufSize <= 0 {
		bufSize = 256
	}
	if cfg.RedisAddr != "" {
		rps, err := cacheredis.NewPubSub(cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return &pubSubAdapter[cacheredis.RedisMessage]{
			publish:   rps.Publish,
			subscribe: rps.Subscribe,
			convert:   func(m *cacheredis.RedisMessage) *Message { return &Message{Channel: m.Channel, Payload: m.Payload} },
		}, nil
	}
	lps := local.NewPubSub(bufSize)
	return &pubSubAdapter[local.LocalMessage]{
		publish:   lps.Publish,
		subscribe: lps.Subscribe,
		convert:   func(m *local.LocalMessage) *Message { return &Message{Channel: m.Channel, Payload: m.Payload} },
	}, nil
}

// pubSubAdapter bridges a backend's message type to cache.Message.
type pubSubAdapter[M any] struct {
	publish   func(ctx context.Context, channel, message string) error
	subscribe func(ctx context.Context, channels ...string) (<-chan *M, func(), error)
	convert   func(*M) *Message
}

func (a *pubSubAdapter[M]) Publish(ctx context.Context, channel, message string) error {
	return a.publish(ctx, channel, message)
}

func (a *pubSubAdapter[M]) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel, err := a.subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, 256)
	go func() {
		defer close(out)
		for msg := range in {
			out <- a.convert(msg)
		}
	}()
	return out, cancel, nil
}
