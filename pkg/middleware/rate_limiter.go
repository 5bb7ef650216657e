package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"icebreaker/backend/pkg/errors"
	"icebreaker/backend/pkg/logger"
)

// RateLimiterOptions configures the rate limiter
type RateLimiterOptions struct {
	// Limit defines requests per second
	Limit rate.Limit
	// Burst defines maximum burst size allowed
	Burst int
	// ExpiryDuration defines how long to keep idle client state
	ExpiryDuration time.Duration
	// KeyFunc extracts the limiting key from a request
	KeyFunc func(*gin.Context) string
	// OnLimited is called for every rejected request
	OnLimited func(c *gin.Context, key string)
}

// DefaultRateLimiterOptions limits by client IP
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		Limit:          5,
		Burst:          10,
		ExpiryDuration: time.Hour,
		KeyFunc:        func(c *gin.Context) string { return c.ClientIP() },
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	mu      sync.Mutex
	options RateLimiterOptions
	clients map[string]*client
	logger  *logger.Logger
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop
func NewRateLimiter(log *logger.Logger, opts RateLimiterOptions) *RateLimiter {
	def := DefaultRateLimiterOptions()
	if opts.KeyFunc == nil {
		opts.KeyFunc = def.KeyFunc
	}
	if opts.ExpiryDuration <= 0 {
		opts.ExpiryDuration = def.ExpiryDuration
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if log == nil {
		log = logger.Nop()
	}

	r := &RateLimiter{
		options: opts,
		clients: make(map[string]*client),
		logger:  log,
		stop:    make(chan struct{}),
	}
	go r.cleanup(time.Minute)
	return r
}

// Allow reports whether key may proceed now
func (r *RateLimiter) Allow(key string) bool {
	return r.getLimiter(key).Allow()
}

// Middleware rejects requests over the limit with 429
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := r.options.KeyFunc(c)
		if r.Allow(key) {
			c.Next()
			return
		}

		r.logger.Warn("rate limit exceeded",
			"client", key,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		if r.options.OnLimited != nil {
			r.options.OnLimited(c, key)
		}
		c.Header("Retry-After", "1")
		c.Header("X-RateLimit-Limit", strconv.Itoa(r.options.Burst))
		_ = c.Error(errors.NewTooManyRequestsError("RATE_LIMIT_EXCEEDED", "Too many requests. Please try again later."))
		c.Abort()
	}
}

// Close stops the cleanup loop
func (r *RateLimiter) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.clients[key]
	if !exists {
		v = &client{limiter: rate.NewLimiter(r.options.Limit, r.options.Burst)}
		r.clients[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (r *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			for k, v := range r.clients {
				if time.Since(v.lastSeen) > r.options.ExpiryDuration {
					delete(r.clients, k)
				}
			}
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}
