package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit is a token bucket per caller: the account when the request is
// authenticated, the client IP otherwise. Idle buckets are dropped until
// ctx ends.
func RateLimit(ctx context.Context, r rate.Limit, b int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
	)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-10 * time.Minute)
				mu.Lock()
				for k, v := range buckets {
					if v.lastSeen.Before(cutoff) {
						delete(buckets, k)
					}
				}
				mu.Unlock()
			}
		}
	}()

	allow := func(key string) bool {
		mu.Lock()
		defer mu.Unlock()
		bk, ok := buckets[key]
		if !ok {
			bk = &bucket{limiter: rate.NewLimiter(r, b)}
			buckets[key] = bk
		}
		bk.lastSeen = time.Now()
		return bk.limiter.Allow()
	}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := GetAccountID(c); id != 0 {
			key = "acct:" + strconv.FormatInt(id, 10)
		}
		if !allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
