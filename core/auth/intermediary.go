package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dnslin/notevault/core/httpclient"
)

const (
	tokenPath   = "/api/oauth/token"
	refreshPath = "/api/oauth/refresh"
	revokePath  = "/api/oauth/revoke"
	verifyPath  = "/api/oauth/verify"
)

// TokenResponse 令牌交换与续期接口的响应。
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type,omitempty"`
	ErrorCode        string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (r *TokenResponse) IsSuccess() bool {
	return r.ErrorCode == "" && r.AccessToken != ""
}

func (r *TokenResponse) Error() string {
	return fmt.Sprintf("%s: %s", r.Code(), r.Message())
}

func (r *TokenResponse) Code() string {
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	return "invalid_token_response"
}

func (r *TokenResponse) Message() string {
	if r.ErrorDescription != "" {
		return r.ErrorDescription
	}
	return "响应缺少 access_token"
}

// DefaultTokenLifetime 响应未给出 expires_in（或不为正）时采用的有效期，
// 与 GitHub 用户访问令牌的默认有效期一致。
const DefaultTokenLifetime = 8 * time.Hour

// Lifetime 返回令牌有效期。
func (r *TokenResponse) Lifetime() time.Duration {
	if r.ExpiresIn <= 0 {
		return DefaultTokenLifetime
	}
	return time.Duration(r.ExpiresIn) * time.Second
}

// VerifyUser verify 接口返回的用户信息。
type VerifyUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// VerifyResponse verify 接口的响应。
type VerifyResponse struct {
	Valid bool       `json:"valid"`
	User  VerifyUser `json:"user"`
}

func (r *VerifyResponse) IsSuccess() bool { return r.Valid }
func (r *VerifyResponse) Error() string   { return "invalid_token: 令牌无效" }
func (r *VerifyResponse) Code() string    { return "invalid_token" }
func (r *VerifyResponse) Message() string { return "令牌无效" }

type revokeResponse struct {
	Success bool `json:"success"`
}

// Intermediary 授权中转服务客户端。客户端密钥只存在于服务端，
// 续期凭证以 HTTP-only Cookie 形式保存在客户端的 CookieJar 中。
type Intermediary struct {
	client  *httpclient.Client
	baseURL string
}

// NewIntermediary 创建中转服务客户端。
func NewIntermediary(client *httpclient.Client, baseURL string) *Intermediary {
	if client == nil {
		client = httpclient.NewClient()
	}
	return &Intermediary{client: client, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

// Exchange 用授权码换取访问令牌。
func (c *Intermediary) Exchange(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	body := map[string]string{"code": code, "redirect_uri": redirectURI}
	var rsp TokenResponse
	if err := c.post(ctx, tokenPath, body, &rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

// Refresh 依靠 Cookie 续期访问令牌。
func (c *Intermediary) Refresh(ctx context.Context) (*TokenResponse, error) {
	var rsp TokenResponse
	if err := c.post(ctx, refreshPath, nil, &rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

// Revoke 通知中转服务吊销续期凭证。
func (c *Intermediary) Revoke(ctx context.Context) error {
	var rsp revokeResponse
	if err := c.post(ctx, revokePath, nil, &rsp); err != nil {
		return err
	}
	if !rsp.Success {
		return fmt.Errorf("auth: 吊销未成功")
	}
	return nil
}

// Verify 校验访问令牌并返回用户信息。
func (c *Intermediary) Verify(ctx context.Context, token string) (*VerifyResponse, error) {
	if c.baseURL == "" {
		return nil, ErrBaseURLEmpty
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+verifyPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	var rsp VerifyResponse
	if err := c.client.Do(req, &rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

func (c *Intermediary) post(ctx context.Context, path string, body any, out any) error {
	if c.baseURL == "" {
		return ErrBaseURLEmpty
	}
	payload := []byte("{}")
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = data
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.client.Do(req, out)
}
