package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type KeyFunc func(c *gin.Context) string

func ClientIPKey(c *gin.Context) string { return c.ClientIP() }

type RateLimiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	used  int
	until time.Time
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, period, time.Now)
}

func NewRateLimiterWithNow(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		limit:   limit,
		period:  period,
		now:     now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	if period > 0 {
		go rl.janitor()
	}
	return rl
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(rl.period)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evictExpired()
		}
	}
}

func (rl *RateLimiter) evictExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.buckets {
		if now.After(b.until) {
			delete(rl.buckets, key)
		}
	}
}

// Allow records a hit for key. A denied hit reports how long until the
// bucket opens again.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b := rl.buckets[key]
	if b == nil || now.After(b.until) {
		rl.buckets[key] = &bucket{used: 1, until: now.Add(rl.period)}
		return true, 0
	}
	if b.used >= rl.limit {
		return false, b.until.Sub(now)
	}
	b.used++
	return true, 0
}

func Throttle(rl *RateLimiter, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIPKey
	}
	return func(c *gin.Context) {
		ok, wait := rl.Allow(key(c))
		if ok {
			c.Next()
			return
		}
		secs := int(wait.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
	}
}
