package local

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

// entry holds a cached string value with an optional expiry.
type entry struct {
	data     string
	expireAt time.Time
	noExpiry bool
}

func (e *entry) expired() bool {
	return !e.noExpiry && time.Now().After(e.expireAt)
}

// LocalCache is an in-process cache implementing the Cache interface.
// It is the default backend on-device; Redis is only used when the
// engine runs next to one.
type LocalCache struct {
	kv         sync.Map // key → *entry
	gcInterval time.Duration
	stopGC     chan struct{}
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Close stops the background GC goroutine.
func (c *LocalCache) Close() {
	close(c.stopGC)
}

func (c *LocalCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.kv.Range(func(k, v interface{}) bool {
				if e, ok := v.(*entry); ok && e.expired() {
					c.kv.Delete(k)
				}
				return true
			})
		case <-c.stopGC:
			return
		}
	}
}

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	v, ok := c.kv.Load(key)
	if !ok {
		return "", ErrNotFound
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return "", ErrNotFound
	}
	return e.data, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := &entry{data: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	} else {
		e.noExpiry = true
	}
	c.kv.Store(key, e)
	return nil
}

func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.kv.Delete(k)
	}
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	v, ok := c.kv.Load(key)
	if !ok {
		return false, nil
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return false, nil
	}
	return true, nil
}
