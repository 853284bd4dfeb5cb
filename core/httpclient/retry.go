package httpclient

import (
	"errors"
	"net/http"
	"time"
)

// RetryPolicy 定义重试策略。
type RetryPolicy interface {
	ShouldRetry(req *http.Request, resp *http.Response, err error, attempt int) (bool, time.Duration, error)
}

// RetryConfig 配置指数退避重试。
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Refresh    func() error
	AuthCodes  []string
	Logger     Logger
}

// ExponentialBackoffRetry 实现指数退避重试，仅供调用方显式启用。
type ExponentialBackoffRetry struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	refresh    func() error
	authCodes  map[string]struct{}
	logger     Logger
}

// DefaultRetryConfig 返回默认重试配置。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		AuthCodes: []string{
			"invalid_token",
			"token_expired",
			"bad_refresh_token",
		},
	}
}

// NewExponentialBackoffRetry 创建重试策略。
func NewExponentialBackoffRetry(cfg RetryConfig) *ExponentialBackoffRetry {
	authCodes := make(map[string]struct{})
	for _, code := range cfg.AuthCodes {
		authCodes[code] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	return &ExponentialBackoffRetry{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		refresh:    cfg.Refresh,
		authCodes:  authCodes,
		logger:     logger,
	}
}

// ShouldRetry 根据错误类型、状态码决定是否重试。
// 冲突（409/422）与其他 4xx 永不重试，交还调用方处理。
func (r *ExponentialBackoffRetry) ShouldRetry(req *http.Request, resp *http.Response, err error, attempt int) (bool, time.Duration, error) {
	if r == nil {
		return false, 0, nil
	}
	if attempt >= r.maxRetries {
		return false, 0, nil
	}
	delay := r.backoff(attempt)

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		r.logger.Debugf("网络错误，第 %d 次重试", attempt+1)
		return true, delay, nil
	}

	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return false, 0, nil
	}

	var ec *ErrCode
	if errors.As(err, &ec) {
		if ec.Status == http.StatusTooManyRequests || ec.Status >= http.StatusInternalServerError {
			if ec.RetryAfter > delay {
				delay = r.clamp(ec.RetryAfter)
			}
			r.logger.Debugf("服务端繁忙(status=%d)，第 %d 次重试", ec.Status, attempt+1)
			return true, delay, nil
		}
		if r.isAuth(ec) {
			if r.refresh == nil {
				return false, 0, nil
			}
			if refreshErr := r.refresh(); refreshErr != nil {
				return false, 0, refreshErr
			}
			r.logger.Debugf("认证错误，刷新后重试，第 %d 次", attempt+1)
			return true, delay, nil
		}
		return false, 0, nil
	}

	return false, 0, nil
}

func (r *ExponentialBackoffRetry) isAuth(ec *ErrCode) bool {
	if ec == nil {
		return false
	}
	if ec.Status == http.StatusUnauthorized {
		return true
	}
	if ec.Code == "" {
		return false
	}
	_, ok := r.authCodes[ec.Code]
	return ok
}

func (r *ExponentialBackoffRetry) backoff(attempt int) time.Duration {
	base := r.baseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return r.clamp(base << attempt)
}

func (r *ExponentialBackoffRetry) clamp(d time.Duration) time.Duration {
	max := r.maxDelay
	if max <= 0 {
		max = 5 * time.Second
	}
	if d > max {
		return max
	}
	return d
}
