package httpclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Middleware 是请求预处理钩子，用于注入鉴权、UA、Accept 等。
type Middleware func(req *http.Request) error

// PrepareChain 代表按顺序执行的中间件集合。
type PrepareChain []Middleware

// Apply 依次执行链路中的中间件，遇到错误立即返回。
func (c PrepareChain) Apply(req *http.Request) error {
	for _, mw := range c {
		if mw == nil {
			continue
		}
		if err := mw(req); err != nil {
			return err
		}
	}
	return nil
}

// WithHeader 设置请求头。
func WithHeader(key, value string) Middleware {
	return func(req *http.Request) error {
		req.Header.Set(key, value)
		return nil
	}
}

// WithUserAgent 设置 User-Agent。
func WithUserAgent(ua string) Middleware {
	return WithHeader("User-Agent", ua)
}

// WithAccept 设置 Accept。
func WithAccept(accept string) Middleware {
	return WithHeader("Accept", accept)
}

// WithRequestID 为每个请求生成 X-Request-ID，已存在时保留。
func WithRequestID() Middleware {
	return func(req *http.Request) error {
		if req.Header.Get("X-Request-ID") == "" {
			req.Header.Set("X-Request-ID", uuid.NewString())
		}
		return nil
	}
}

// TokenFunc 在发送请求前获取实时凭证。
type TokenFunc func(ctx context.Context) (string, error)

// WithBearer 在每次发送前解析凭证并写入 Authorization 头。
// 凭证获取失败时请求不会发出。
func WithBearer(token TokenFunc) Middleware {
	return func(req *http.Request) error {
		if token == nil {
			return nil
		}
		value, err := token(req.Context())
		if err != nil {
			return err
		}
		value = strings.TrimSpace(value)
		if value != "" {
			req.Header.Set("Authorization", "Bearer "+value)
		}
		return nil
	}
}
