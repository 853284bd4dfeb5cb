package httpclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

type verifyResponse struct {
	Valid bool   `json:"valid"`
	Login string `json:"login"`
}

func (v *verifyResponse) IsSuccess() bool { return v.Valid }

func (v *verifyResponse) Error() string { return "invalid_token: " + v.Login }

func (v *verifyResponse) Code() string { return "invalid_token" }

func (v *verifyResponse) Message() string { return "令牌已失效" }

func TestDoSuccess(t *testing.T) {
	client := NewClient(WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"valid":true,"login":"octocat"}`), nil
		}),
	}))
	req, _ := http.NewRequest(http.MethodGet, "http://mock/api/oauth/verify", nil)
	var rsp verifyResponse
	if err := client.Do(req, &rsp); err != nil {
		t.Fatalf("预期成功，得到错误: %v", err)
	}
	if rsp.Login != "octocat" {
		t.Fatalf("响应解析错误: %+v", rsp)
	}
}

func TestBusinessErrorNoRetry(t *testing.T) {
	calls := 0
	client := NewClient(WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(http.StatusOK, `{"valid":false}`), nil
		}),
	}))
	req, _ := http.NewRequest(http.MethodGet, "http://mock/api/oauth/verify", nil)
	var rsp verifyResponse
	err := client.Do(req, &rsp)
	if err == nil {
		t.Fatal("预期业务错误，但返回 nil")
	}
	var ec *ErrCode
	if !errors.As(err, &ec) {
		t.Fatalf("错误类型应为 ErrCode，实际: %v", err)
	}
	if ec.Code != "invalid_token" || ec.Status != http.StatusOK {
		t.Fatalf("错误码不匹配，得到 %+v", ec)
	}
	if calls != 1 {
		t.Fatalf("业务错误不应重试，请求次数 %d", calls)
	}
}

func TestErrorStatusPreservesUpstreamMessage(t *testing.T) {
	client := NewClient(WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusConflict, `{"message":"is at 1b2c but expected 9f8e","documentation_url":"https://docs.github.com/rest"}`), nil
		}),
	}))
	req, _ := http.NewRequest(http.MethodPut, "http://mock/repos/acme/notes/contents/a.md", nil)
	err := client.Do(req, nil)
	if err == nil {
		t.Fatal("409 应返回错误，即使未提供 out")
	}
	var ec *ErrCode
	if !errors.As(err, &ec) {
		t.Fatalf("错误类型应为 ErrCode，实际: %v", err)
	}
	if ec.Status != http.StatusConflict || ec.Message != "is at 1b2c but expected 9f8e" {
		t.Fatalf("上游信息丢失: %+v", ec)
	}
	if StatusOf(err) != http.StatusConflict {
		t.Fatalf("StatusOf 应返回 409，实际 %d", StatusOf(err))
	}
}

func TestErrorStatusWithoutBody(t *testing.T) {
	client := NewClient(WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			rec := httptest.NewRecorder()
			rec.Header().Set("Retry-After", "2")
			rec.WriteHeader(http.StatusServiceUnavailable)
			return rec.Result(), nil
		}),
	}))
	req, _ := http.NewRequest(http.MethodGet, "http://mock/busy", nil)
	err := client.Do(req, nil)
	var ec *ErrCode
	if !errors.As(err, &ec) {
		t.Fatalf("错误类型应为 ErrCode，实际: %v", err)
	}
	if ec.Code != "HTTP_503" {
		t.Fatalf("空响应体应退回状态码描述，得到 %s", ec.Code)
	}
	if ec.RetryAfter != 2*time.Second {
		t.Fatalf("Retry-After 解析错误: %v", ec.RetryAfter)
	}
}

func TestNoRetryByDefault(t *testing.T) {
	calls := 0
	client := NewClient(WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(http.StatusInternalServerError, `{"message":"boom"}`), nil
		}),
	}))
	req, _ := http.NewRequest(http.MethodGet, "http://mock/fail", nil)
	if err := client.Do(req, nil); err == nil {
		t.Fatal("预期失败")
	}
	if calls != 1 {
		t.Fatalf("默认不应重试，请求次数 %d", calls)
	}
}

func TestAuthRefresh(t *testing.T) {
	attempt := 0
	refreshCalled := 0
	policy := NewExponentialBackoffRetry(RetryConfig{
		MaxRetries: 2,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Refresh: func() error {
			refreshCalled++
			return nil
		},
		AuthCodes: []string{"invalid_token"},
		Logger:    NopLogger{},
	})

	client := NewClient(
		WithRetryPolicy(policy),
		WithHTTPClient(&http.Client{
			Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
				attempt++
				if attempt == 1 {
					return jsonResponse(http.StatusOK, `{"valid":false}`), nil
				}
				return jsonResponse(http.StatusOK, `{"valid":true,"login":"octocat"}`), nil
			}),
		}),
	)
	req, _ := http.NewRequest(http.MethodGet, "http://mock/api/oauth/verify", nil)
	var rsp verifyResponse
	if err := client.Do(req, &rsp); err != nil {
		t.Fatalf("刷新后应重试成功: %v", err)
	}
	if refreshCalled != 1 {
		t.Fatalf("刷新调用次数不正确，得到 %d", refreshCalled)
	}
	if attempt != 2 {
		t.Fatalf("请求次数不正确，得到 %d", attempt)
	}
}

func TestNetworkRetry(t *testing.T) {
	transport := &flakyTransport{
		failures: 1,
		inner: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"valid":true}`), nil
		}),
	}
	policy := NewExponentialBackoffRetry(RetryConfig{
		MaxRetries: 1,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Logger:     NopLogger{},
	})
	client := NewClient(
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryPolicy(policy),
	)
	req, _ := http.NewRequest(http.MethodGet, "http://mock/network", nil)
	var rsp verifyResponse
	if err := client.Do(req, &rsp); err != nil {
		t.Fatalf("网络错误后应重试成功: %v", err)
	}
	if transport.attempts != 2 {
		t.Fatalf("应尝试 2 次，实际 %d", transport.attempts)
	}
}

func TestRetryWaitHonoursContext(t *testing.T) {
	policy := NewExponentialBackoffRetry(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Second,
	})
	client := NewClient(
		WithRetryPolicy(policy),
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusBadGateway, ``), nil
		})}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://mock/slow", nil)
	start := time.Now()
	err := client.Do(req, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应因上下文超时退出，实际: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("重试等待未响应上下文取消")
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewTokenBucketLimiter(5, 1, nil)
	client := NewClient(
		WithRateLimiter(limiter),
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"valid":true}`), nil
		})}),
	)
	start := time.Now()
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://mock/ratelimit", nil)
		var rsp verifyResponse
		if err := client.Do(req, &rsp); err != nil {
			t.Fatalf("限流请求失败: %v", err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond {
		t.Fatalf("限流未生效，耗时过短: %v", elapsed)
	}
}

func TestRateLimitHeadersPauseHost(t *testing.T) {
	limiter := NewTokenBucketLimiter(100, 10, nil)
	req, _ := http.NewRequest(http.MethodGet, "https://api.github.com/repos/acme/notes", nil)
	resp := &http.Response{
		Header:  http.Header{},
		Request: req,
	}
	resp.Header.Set("X-RateLimit-Remaining", "0")
	resp.Header.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
	limiter.Observe(resp)

	if wait := limiter.getLimiter(req).reserve(time.Now()); wait < 30*time.Second {
		t.Fatalf("额度耗尽后应暂停，实际等待 %v", wait)
	}
	other, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	if wait := limiter.getLimiter(other).reserve(time.Now()); wait != 0 {
		t.Fatalf("其他 host 不应受影响，实际等待 %v", wait)
	}
}

func TestMiddlewaresInjectHeaders(t *testing.T) {
	var got http.Header
	client := NewClient(
		WithMiddlewares(
			WithAccept("application/vnd.github+json"),
			WithRequestID(),
			WithBearer(func(ctx context.Context) (string, error) { return " gho_abc ", nil }),
		),
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			got = req.Header.Clone()
			return jsonResponse(http.StatusNoContent, ``), nil
		})}),
	)
	req, _ := http.NewRequest(http.MethodGet, "http://mock/headers", nil)
	if err := client.Do(req, nil); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if got.Get("Authorization") != "Bearer gho_abc" {
		t.Fatalf("Authorization 头错误: %q", got.Get("Authorization"))
	}
	if got.Get("Accept") != "application/vnd.github+json" {
		t.Fatalf("Accept 头错误: %q", got.Get("Accept"))
	}
	if got.Get("X-Request-ID") == "" {
		t.Fatal("应生成 X-Request-ID")
	}
}

func TestBearerErrorStopsRequest(t *testing.T) {
	sent := false
	wantErr := errors.New("no token")
	client := NewClient(
		WithMiddlewares(WithBearer(func(ctx context.Context) (string, error) { return "", wantErr })),
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			sent = true
			return jsonResponse(http.StatusOK, `{}`), nil
		})}),
	)
	req, _ := http.NewRequest(http.MethodGet, "http://mock/headers", nil)
	if err := client.Do(req, nil); !errors.Is(err, wantErr) {
		t.Fatalf("应返回凭证错误，实际: %v", err)
	}
	if sent {
		t.Fatal("凭证失败时不应发出请求")
	}
}

func TestDecodeError(t *testing.T) {
	client := NewClient(WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `invalid json`), nil
		}),
	}))
	req, _ := http.NewRequest(http.MethodGet, "http://mock/decode", nil)
	var rsp verifyResponse
	err := client.Do(req, &rsp)
	if err == nil {
		t.Fatal("预期解码失败错误")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("错误类型应为 DecodeError，实际: %v", err)
	}
}

func TestBodyWithoutGetBodyCannotRetry(t *testing.T) {
	policy := NewExponentialBackoffRetry(RetryConfig{
		MaxRetries: 1,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   1 * time.Millisecond,
		Logger:     NopLogger{},
	})
	client := NewClient(
		WithRetryPolicy(policy),
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusInternalServerError, ``), nil
		})}),
	)

	req, _ := http.NewRequest(http.MethodPost, "http://mock/body", bytes.NewBufferString("data"))
	req.GetBody = nil // 模拟无法重试的场景
	err := client.Do(req, &verifyResponse{})
	if err == nil {
		t.Fatal("预期因无法重试请求体而失败")
	}
	if err.Error() != "httpclient: 请求体不可重试" {
		t.Fatalf("错误信息不符合预期: %v", err)
	}
}

type flakyTransport struct {
	failures int
	inner    http.RoundTripper
	attempts int
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("模拟网络失败")
	}
	return f.inner.RoundTrip(req)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(status)
	rec.Body.WriteString(body)
	return rec.Result()
}
