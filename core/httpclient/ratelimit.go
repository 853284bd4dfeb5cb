package httpclient

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limit 每秒产生的令牌数。
type Limit float64

// Limiter 简化版令牌桶实现，兼容常见 Wait 接口。
type Limiter struct {
	limit  Limit
	burst  int
	mu     sync.Mutex
	tokens float64
	last   time.Time
	paused time.Time // 服务端额度耗尽时暂停到该时间
}

// NewLimiter 创建 limiter。
func NewLimiter(limit Limit, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:  limit,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Wait 阻塞直到获得令牌或上下文取消。
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait := l.reserve(time.Now())
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// PauseUntil 在服务端声明额度耗尽时暂停发放令牌。
func (l *Limiter) PauseUntil(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.paused) {
		l.paused = t
	}
}

func (l *Limiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.paused) {
		return l.paused.Sub(now)
	}
	if l.limit <= 0 {
		return 0
	}
	elapsed := now.Sub(l.last).Seconds()
	l.tokens += elapsed * float64(l.limit)
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.last = now
	if l.tokens >= 1 {
		l.tokens -= 1
		return 0
	}
	need := 1 - l.tokens
	return time.Duration(need / float64(l.limit) * float64(time.Second))
}

// RateLimiter 按 host/路由限流。
type RateLimiter interface {
	Wait(ctx context.Context, req *http.Request) error
}

// ResponseObserver 由需要读取服务端限流头的限流器实现。
type ResponseObserver interface {
	Observe(resp *http.Response)
}

// TokenBucketLimiter 基于令牌桶的限流实现，并遵循 X-RateLimit-* 响应头。
type TokenBucketLimiter struct {
	limiters map[string]*Limiter
	mu       sync.Mutex
	keyFn    func(*http.Request) string
	limit    Limit
	burst    int
}

// NewTokenBucketLimiter 创建按 key（默认 host）区分的限流器。
func NewTokenBucketLimiter(qps float64, burst int, keyFn func(*http.Request) string) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*Limiter),
		keyFn:    keyFn,
		limit:    Limit(qps),
		burst:    burst,
	}
}

// Wait 在发起请求前阻塞，直到当前 key 拿到令牌。
func (l *TokenBucketLimiter) Wait(ctx context.Context, req *http.Request) error {
	if l == nil {
		return nil
	}
	return l.getLimiter(req).Wait(ctx)
}

// Observe 当 X-RateLimit-Remaining 为 0 时暂停该 key 直到 X-RateLimit-Reset。
func (l *TokenBucketLimiter) Observe(resp *http.Response) {
	if l == nil || resp == nil {
		return
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		return
	}
	reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil || reset <= 0 {
		return
	}
	l.getLimiter(resp.Request).PauseUntil(time.Unix(reset, 0))
}

func (l *TokenBucketLimiter) getLimiter(req *http.Request) *Limiter {
	key := ""
	if req != nil && req.URL != nil {
		key = req.URL.Host
	}
	if l.keyFn != nil && req != nil {
		if k := l.keyFn(req); k != "" {
			key = k
		}
	}
	if key == "" {
		key = "default"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}
	limiter := NewLimiter(l.limit, l.burst)
	l.limiters[key] = limiter
	return limiter
}
