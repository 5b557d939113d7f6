// Package ratelimit throttles chat requests per sender and tool executions
// per tool, using token buckets from golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration. A zero limit disables that check.
type Config struct {
	RequestsPerMinute  int
	ToolCallsPerMinute int
}

// Limiter keeps one token bucket per key. Buckets hold a full minute's
// allowance so short bursts are accepted.
type Limiter struct {
	config  Config
	buckets sync.Map // map[string]*entry
	nowFunc func() time.Time
}

type entry struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	seen    time.Time
}

func NewLimiter(config Config) *Limiter {
	return &Limiter{config: config, nowFunc: time.Now}
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.config.RequestsPerMinute > 0 || l.config.ToolCallsPerMinute > 0)
}

// AllowRequest reports whether senderID may issue another chat request.
func (l *Limiter) AllowRequest(senderID string) bool {
	if l == nil || l.config.RequestsPerMinute <= 0 {
		return true
	}
	return l.allow("req:"+senderID, l.config.RequestsPerMinute)
}

// AllowToolExecution reports whether toolName may run again.
func (l *Limiter) AllowToolExecution(toolName string) bool {
	if l == nil || l.config.ToolCallsPerMinute <= 0 {
		return true
	}
	return l.allow("tool:"+toolName, l.config.ToolCallsPerMinute)
}

func (l *Limiter) allow(key string, perMinute int) bool {
	now := l.nowFunc()
	e := l.bucket(key, perMinute, now)

	e.mu.Lock()
	e.seen = now
	e.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (l *Limiter) bucket(key string, perMinute int, now time.Time) *entry {
	if cached, ok := l.buckets.Load(key); ok {
		return cached.(*entry)
	}
	fresh := &entry{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		seen:    now,
	}
	actual, _ := l.buckets.LoadOrStore(key, fresh)
	return actual.(*entry)
}

// Cleanup drops buckets that have not been used for maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	now := l.nowFunc()
	l.buckets.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		stale := now.Sub(e.seen) > maxAge
		e.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
		}
		return true
	})
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
