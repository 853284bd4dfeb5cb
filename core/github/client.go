package github

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/dnslin/notevault/core/httpclient"
)

const (
	// DefaultBaseURL GitHub REST API 地址。
	DefaultBaseURL = "https://api.github.com"
	// APIVersion 请求头 X-GitHub-Api-Version。
	APIVersion = "2022-11-28"
	// UserAgent GitHub 要求所有请求携带 UA。
	UserAgent = "notevault"
)

// client 封装 GitHub REST 调用，令牌在每次请求前实时解析。
type client struct {
	http    *httpclient.Client
	baseURL string
}

func newClient(httpClient *httpclient.Client, baseURL string, token httpclient.TokenFunc) *client {
	if httpClient == nil {
		httpClient = httpclient.NewClient()
	}
	httpClient.Use(
		httpclient.WithAccept("application/vnd.github+json"),
		httpclient.WithHeader("X-GitHub-Api-Version", APIVersion),
		httpclient.WithUserAgent(UserAgent),
		httpclient.WithRequestID(),
		httpclient.WithBearer(token),
	)
	return &client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *client) repoURL(owner, repo string, segments ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/repos/")
	b.WriteString(url.PathEscape(owner))
	b.WriteString("/")
	b.WriteString(url.PathEscape(repo))
	for _, s := range segments {
		b.WriteString("/")
		b.WriteString(s)
	}
	return b.String()
}

// escapePath 逐段转义仓库内路径，保留分隔符。
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *client) get(ctx context.Context, rawURL string, query url.Values, out any) error {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return c.http.Do(req, out)
}

func (c *client) send(ctx context.Context, method, rawURL string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req, out)
}
