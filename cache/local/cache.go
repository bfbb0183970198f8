package local

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// ErrWrongType is returned when a key holds a value of another kind.
var ErrWrongType = errors.New("cache: wrong value type for key")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

// item is either a string value or a set, with an optional expiry.
type item struct {
	value    string
	members  map[string]struct{} // non-nil for set keys
	expireAt time.Time           // zero = no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && now.After(it.expireAt)
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// LocalCache is an in-process cache implementing the Cache interface.
// A single mutex guards all keys, so compound operations such as SetNX,
// Incr and CompareAndDel are atomic.
type LocalCache struct {
	mu     sync.Mutex
	items  map[string]*item
	stopGC chan struct{}
	once   sync.Once
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		items:  make(map[string]*item),
		stopGC: make(chan struct{}),
	}
	go c.runGC(interval)
	return c, nil
}

// Close stops the background GC goroutine. It is safe to call twice.
func (c *LocalCache) Close() {
	c.once.Do(func() { close(c.stopGC) })
}

func (c *LocalCache) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.mu.Lock()
			for k, it := range c.items {
				if it.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopGC:
			return
		}
	}
}

// live returns the unexpired item for key. Caller holds c.mu.
func (c *LocalCache) live(key string) (*item, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(time.Now()) {
		delete(c.items, key)
		return nil, false
	}
	return it, true
}

// ---- KV ----

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		return "", ErrNotFound
	}
	if it.members != nil {
		return "", ErrWrongType
	}
	return it.value, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &item{value: value, expireAt: deadline(ttl)}
	return nil
}

func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key)
	return ok, nil
}

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.items[key] = &item{value: value, expireAt: deadline(ttl)}
	return true, nil
}

func (c *LocalCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		return ErrNotFound
	}
	it.expireAt = deadline(ttl)
	return nil
}

// Incr increments the integer stored at key, starting from 0 when missing.
// The existing expiry is kept, matching Redis INCR.
func (c *LocalCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		c.items[key] = &item{value: "1"}
		return 1, nil
	}
	if it.members != nil {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	it.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (c *LocalCache) CompareAndDel(_ context.Context, key, value string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok || it.members != nil || it.value != value {
		return false, nil
	}
	delete(c.items, key)
	return true, nil
}

// ---- Set ----

// set returns the member map for key, creating it when create is true.
// Caller holds c.mu.
func (c *LocalCache) set(key string, create bool) (map[string]struct{}, error) {
	it, ok := c.live(key)
	if !ok {
		if !create {
			return nil, nil
		}
		it = &item{members: make(map[string]struct{})}
		c.items[key] = it
	}
	if it.members == nil {
		return nil, ErrWrongType
	}
	return it.members, nil
}

func (c *LocalCache) SAdd(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.set(key, true)
	if err != nil {
		return err
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (c *LocalCache) SRem(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.set(key, false)
	if err != nil || s == nil {
		return err
	}
	for _, m := range members {
		delete(s, m)
	}
	if len(s) == 0 {
		delete(c.items, key)
	}
	return nil
}

func (c *LocalCache) SIsMember(_ context.Context, key, member string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.set(key, false)
	if err != nil {
		return false, err
	}
	_, ok := s[member]
	return ok, nil
}

func (c *LocalCache) SMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.set(key, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	return out, nil
}
