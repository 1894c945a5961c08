package ratelimit

import (
	"sync"
	"time"
)

// KeyedLimiter is a fixed-window limiter over string keys, e.g. account names
// or command shapes. A zero Window or Limit disables the limiter.
type KeyedLimiter struct {
	Window time.Duration
	Limit  int64

	mu     sync.Mutex
	tm     uint32
	counts map[string]int64
}

// Add attempts to consume n for key. It returns false, without counting, if
// the total for the current window would exceed the limit.
func (l *KeyedLimiter) Add(key string, tm time.Time, n int64) bool {
	if l.Window == 0 || l.Limit == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := uint32(tm.UnixNano() / int64(l.Window))
	if t != l.tm || l.counts == nil {
		l.tm = t
		l.counts = map[string]int64{}
	}
	if l.counts[key]+n > l.Limit {
		return false
	}
	l.counts[key] += n
	return true
}

// Reset clears the count for key in the current window.
func (l *KeyedLimiter) Reset(key string, tm time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts != nil && uint32(tm.UnixNano()/int64(l.Window)) == l.tm {
		delete(l.counts, key)
	}
}
