package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// TokenBucket refills one token every refillEvery up to capacity.
type TokenBucket struct {
	mu          sync.Mutex
	capacity    int
	tokens      int
	refillEvery time.Duration
	lastRefill  time.Time
	now         func() time.Time
}

func newTokenBucket(capacity int, refillEvery time.Duration, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:    capacity,
		tokens:      capacity,
		refillEvery: refillEvery,
		lastRefill:  now(),
		now:         now,
	}
}

// Allow takes a token if one is available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

func (b *TokenBucket) refill() {
	now := b.now()
	added := int(now.Sub(b.lastRefill) / b.refillEvery)
	if added > 0 {
		b.tokens = min(b.tokens+added, b.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(added) * b.refillEvery)
	}
}

func (b *TokenBucket) idleSince(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill.Before(t)
}

// ClientRateLimiter keeps one bucket per client: the authenticated user when
// present, the client IP otherwise.
type ClientRateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*TokenBucket
	capacity    int
	refillEvery time.Duration
	now         func() time.Time
}

// NewClientRateLimiter allows burst requests per client and refills them evenly over window.
func NewClientRateLimiter(burst int, window time.Duration) *ClientRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	refill := window / time.Duration(burst)
	if refill <= 0 {
		refill = time.Millisecond
	}
	return &ClientRateLimiter{
		buckets:     make(map[string]*TokenBucket),
		capacity:    burst,
		refillEvery: refill,
		now:         time.Now,
	}
}

func (l *ClientRateLimiter) bucket(key string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; !ok {
		b = newTokenBucket(l.capacity, l.refillEvery, l.now)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether the client identified by key may proceed.
func (l *ClientRateLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Run drops buckets idle for more than a full refill cycle until ctx is done.
func (l *ClientRateLimiter) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *ClientRateLimiter) evictIdle() {
	cutoff := l.now().Add(-time.Duration(l.capacity) * l.refillEvery * 2)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *ClientRateLimiter) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *ClientRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if userID, ok := c.Get(ContextUserID); ok {
			if s, ok := userID.(string); ok && s != "" {
				key = "user:" + s
			}
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": l.refillEvery.Seconds(),
			})
			return
		}
		c.Next()
	}
}
