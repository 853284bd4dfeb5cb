package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/model"
	"github.com/dnslin/notevault/core/storage"
)

// probeTimeout 可达性探测的上限，避免无限阻塞。
const probeTimeout = 10 * time.Second

// CredentialStore 长期令牌的加密存储，由 credential.Store 实现。
type CredentialStore interface {
	SaveToken(token string) error
	GetToken() (string, bool)
	RemoveToken() error
}

// SessionSource 委托授权会话，由 auth.Handler 实现。
type SessionSource interface {
	GetToken(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
}

// Adapter 通过 GitHub contents API 读写仓库文件，支持长期令牌与委托授权两种认证。
type Adapter struct {
	mode    storage.Mode
	creds   CredentialStore
	session SessionSource
	api     *client
	logger  httpclient.Logger

	mu     sync.RWMutex
	owner  string
	repo   string
	branch string
	token  string
	ready  bool

	// shaCache 只是性能优化，冲突判定以服务端为准。
	cacheMu  sync.Mutex
	shaCache map[string]string
}

// Option 配置 Adapter。
type Option func(*adapterOptions)

type adapterOptions struct {
	http    *httpclient.Client
	baseURL string
	logger  httpclient.Logger
}

// WithHTTPClient 注入 httpclient，可携带调用方自己的重试与限流策略。
// 适配器会向其追加 GitHub 请求头与鉴权中间件，不要在多个适配器之间共享。
func WithHTTPClient(cli *httpclient.Client) Option {
	return func(o *adapterOptions) {
		o.http = cli
	}
}

// WithBaseURL 替换 API 地址（GitHub Enterprise 或测试服务器）。
func WithBaseURL(u string) Option {
	return func(o *adapterOptions) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) Option {
	return func(o *adapterOptions) {
		o.logger = logger
	}
}

// NewTokenAdapter 创建长期令牌模式的适配器，令牌经 creds 加密落盘。
func NewTokenAdapter(creds CredentialStore, opts ...Option) *Adapter {
	return newAdapter(storage.ModeRemoteToken, creds, nil, opts)
}

// NewDelegatedAdapter 创建委托授权模式的适配器，令牌来自会话处理器。
func NewDelegatedAdapter(session SessionSource, opts ...Option) *Adapter {
	return newAdapter(storage.ModeRemoteDelegated, nil, session, opts)
}

func newAdapter(mode storage.Mode, creds CredentialStore, session SessionSource, opts []Option) *Adapter {
	o := adapterOptions{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = httpclient.NopLogger{}
	}
	a := &Adapter{
		mode:     mode,
		creds:    creds,
		session:  session,
		logger:   o.logger,
		shaCache: make(map[string]string),
	}
	if o.http != nil && o.http.Logger == nil {
		o.http.Logger = o.logger
	}
	a.api = newClient(o.http, o.baseURL, a.GetToken)
	return a
}

func (a *Adapter) Mode() storage.Mode { return a.mode }

// Configure 保存仓库坐标；长期令牌模式下把令牌交给凭证存储加密保存，
// 未提供令牌时从凭证存储读回。
func (a *Adapter) Configure(ctx context.Context, cfg storage.Config) error {
	var owner, repo, branch, token string
	switch c := cfg.(type) {
	case storage.TokenConfig:
		if a.mode != storage.ModeRemoteToken {
			return a.wrongConfig(cfg)
		}
		owner, repo, branch = c.Owner, c.Repo, c.Branch
		token = strings.TrimSpace(c.Token)
	case storage.DelegatedConfig:
		if a.mode != storage.ModeRemoteDelegated {
			return a.wrongConfig(cfg)
		}
		owner, repo, branch = c.Owner, c.Repo, c.Branch
	default:
		return a.wrongConfig(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if branch == "" {
		branch = storage.DefaultBranch
	}

	ready := true
	switch a.mode {
	case storage.ModeRemoteToken:
		if token != "" {
			if a.creds != nil {
				if err := a.creds.SaveToken(token); err != nil {
					return err
				}
			}
		} else if a.creds != nil {
			token, _ = a.creds.GetToken()
		}
		ready = token != ""
	case storage.ModeRemoteDelegated:
		ready = a.session != nil
	}

	a.mu.Lock()
	a.owner, a.repo, a.branch, a.token, a.ready = owner, repo, branch, token, ready
	a.mu.Unlock()
	a.resetCache()
	a.logger.Debugf("github: 已配置 %s/%s@%s (mode=%s, ready=%v)", owner, repo, branch, a.mode, ready)
	return nil
}

func (a *Adapter) wrongConfig(cfg storage.Config) error {
	return coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "github: 模式 %s 不接受 %s 配置", a.mode, cfg.Mode())
}

func (a *Adapter) IsConfigured() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// GetToken 委托模式向会话处理器取令牌（必要时静默续期），令牌模式返回已配置的令牌。
func (a *Adapter) GetToken(ctx context.Context) (string, error) {
	if a.mode == storage.ModeRemoteDelegated {
		if a.session == nil {
			return "", ErrNoToken
		}
		return a.session.GetToken(ctx)
	}
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (a *Adapter) coords() (owner, repo, branch string, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.owner == "" || a.repo == "" {
		return "", "", "", ErrNotConfigured
	}
	return a.owner, a.repo, a.branch, nil
}

func cleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

// GetFile 读取文件；404 返回 (nil, nil)，其余非 2xx 返回携带上游信息的错误。
func (a *Adapter) GetFile(ctx context.Context, filePath string) (*model.File, error) {
	p := cleanPath(filePath)
	item, err := a.fetch(ctx, p)
	if err != nil || item == nil {
		return nil, err
	}
	content, err := a.decodeContent(ctx, item)
	if err != nil {
		return nil, err
	}
	a.remember(p, item.SHA)
	return &model.File{Path: p, Content: content, SHA: item.SHA}, nil
}

func (a *Adapter) fetch(ctx context.Context, p string) (*contentItem, error) {
	owner, repo, branch, err := a.coords()
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	err = a.api.get(ctx, a.api.repoURL(owner, repo, "contents", escapePath(p)), url.Values{"ref": {branch}}, &raw)
	if httpclient.StatusOf(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, toStorageError("get", p, err)
	}
	if isJSONArray(raw) {
		return nil, coreerrors.Newf(coreerrors.ErrCodeInvalidArgument, "github: %s 是目录", p)
	}
	var item contentItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeTransport, "github: 解析文件响应失败", err)
	}
	if item.Type != "" && item.Type != "file" {
		return nil, coreerrors.Newf(coreerrors.ErrCodeInvalidArgument, "github: %s 不是普通文件(%s)", p, item.Type)
	}
	return &item, nil
}

// decodeContent 解码 base64 内容；超过 1MB 的文件 contents 接口不返回内容，改走 blob 接口。
func (a *Adapter) decodeContent(ctx context.Context, item *contentItem) (string, error) {
	if item.Encoding == "none" || (item.Content == "" && item.Size > 0) {
		owner, repo, _, err := a.coords()
		if err != nil {
			return "", err
		}
		var blob blobResponse
		if err := a.api.get(ctx, a.api.repoURL(owner, repo, "git", "blobs", url.PathEscape(item.SHA)), nil, &blob); err != nil {
			return "", toStorageError("get blob", item.Path, err)
		}
		return decodeBase64(blob.Content)
	}
	if item.Encoding != "" && item.Encoding != "base64" {
		return "", coreerrors.Newf(coreerrors.ErrCodeTransport, "github: 未知的内容编码 %s", item.Encoding)
	}
	return decodeBase64(item.Content)
}

func decodeBase64(s string) (string, error) {
	clean := strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(s)
	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return "", coreerrors.Wrap(coreerrors.ErrCodeTransport, "github: 内容解码失败", err)
	}
	return string(data), nil
}

// PutFile 写入文件。sha 解析顺序：显式参数、本地缓存、实时查询；
// 解析不到 sha 时按新建处理。过期 sha 导致的冲突原样返回。
func (a *Adapter) PutFile(ctx context.Context, filePath, content, message, sha string) (*model.File, error) {
	p := cleanPath(filePath)
	if p == "" {
		return nil, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "github: 路径为空")
	}
	owner, repo, branch, err := a.coords()
	if err != nil {
		return nil, err
	}
	fromCache := false
	if sha == "" {
		if cached, ok := a.cached(p); ok {
			sha, fromCache = cached, true
		} else {
			existing, err := a.fetch(ctx, p)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				sha = existing.SHA
			}
		}
	}
	if message == "" {
		message = "Update " + p
	}

	body := putRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString([]byte(content)),
		SHA:     sha,
		Branch:  branch,
	}
	var rsp writeResponse
	err = a.api.send(ctx, http.MethodPut, a.api.repoURL(owner, repo, "contents", escapePath(p)), body, &rsp)
	if err != nil {
		if fromCache {
			a.forget(p)
		}
		return nil, toStorageError("put", p, err)
	}
	if rsp.Content == nil || rsp.Content.SHA == "" {
		return nil, coreerrors.New(coreerrors.ErrCodeTransport, "github: 写入响应缺少 sha")
	}
	a.remember(p, rsp.Content.SHA)
	return &model.File{Path: p, Content: content, SHA: rsp.Content.SHA}, nil
}

// DeleteFile 删除文件。未给出 sha 时实时查询，文件不存在返回 NOT_FOUND。
func (a *Adapter) DeleteFile(ctx context.Context, filePath, message, sha string) error {
	p := cleanPath(filePath)
	owner, repo, branch, err := a.coords()
	if err != nil {
		return err
	}
	if sha == "" {
		existing, err := a.fetch(ctx, p)
		if err != nil {
			return err
		}
		if existing == nil {
			return coreerrors.Newf(coreerrors.ErrCodeNotFound, "github: %s 不存在", p)
		}
		sha = existing.SHA
	}
	if message == "" {
		message = "Delete " + p
	}
	body := deleteRequest{Message: message, SHA: sha, Branch: branch}
	if err := a.api.send(ctx, http.MethodDelete, a.api.repoURL(owner, repo, "contents", escapePath(p)), body, nil); err != nil {
		return toStorageError("delete", p, err)
	}
	a.forget(p)
	return nil
}

// ListFiles 列出目录；目录不存在返回空切片。
func (a *Adapter) ListFiles(ctx context.Context, dir string) ([]model.Entry, error) {
	p := cleanPath(dir)
	owner, repo, branch, err := a.coords()
	if err != nil {
		return nil, err
	}
	target := a.api.repoURL(owner, repo, "contents")
	if p != "" {
		target = a.api.repoURL(owner, repo, "contents", escapePath(p))
	}
	var raw json.RawMessage
	err = a.api.get(ctx, target, url.Values{"ref": {branch}}, &raw)
	if httpclient.StatusOf(err) == http.StatusNotFound {
		return []model.Entry{}, nil
	}
	if err != nil {
		return nil, toStorageError("list", p, err)
	}
	var items []contentItem
	if isJSONArray(raw) {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, coreerrors.Wrap(coreerrors.ErrCodeTransport, "github: 解析目录响应失败", err)
		}
	} else {
		var item contentItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, coreerrors.Wrap(coreerrors.ErrCodeTransport, "github: 解析目录响应失败", err)
		}
		items = []contentItem{item}
	}
	entries := make([]model.Entry, 0, len(items))
	for _, it := range items {
		typ := model.EntryFile
		if it.Type == "dir" {
			typ = model.EntryDir
		}
		name := it.Name
		if name == "" {
			name = path.Base(it.Path)
		}
		entries = append(entries, model.Entry{Path: it.Path, Name: name, Type: typ, SHA: it.SHA, Size: it.Size})
	}
	return entries, nil
}

// CheckConnection 访问仓库元信息，最多等待 probeTimeout，不返回错误。
func (a *Adapter) CheckConnection(ctx context.Context) bool {
	owner, repo, _, err := a.coords()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var rsp repoResponse
	if err := a.api.get(ctx, a.api.repoURL(owner, repo), nil, &rsp); err != nil {
		a.logger.Debugf("github: 连接检查失败: %v", err)
		return false
	}
	return true
}

// GetCommits 列出分支上的最近提交。历史仅供参考，失败时返回空列表。
func (a *Adapter) GetCommits(ctx context.Context, limit int) ([]model.Commit, error) {
	owner, repo, branch, err := a.coords()
	if err != nil {
		return []model.Commit{}, nil
	}
	if limit <= 0 {
		limit = 30
	}
	if limit > 100 {
		limit = 100
	}
	query := url.Values{"sha": {branch}, "per_page": {strconv.Itoa(limit)}}
	var items []commitItem
	if err := a.api.get(ctx, a.api.repoURL(owner, repo, "commits"), query, &items); err != nil {
		a.logger.Errorf("github: 获取提交历史失败: %v", err)
		return []model.Commit{}, nil
	}
	commits := make([]model.Commit, 0, len(items))
	for _, it := range items {
		commits = append(commits, model.Commit{
			SHA:     it.SHA,
			Message: it.Commit.Message,
			Author:  it.Commit.Author.Name,
			Email:   it.Commit.Author.Email,
			Date:    it.Commit.Author.Date,
			URL:     it.HTMLURL,
		})
	}
	return commits, nil
}

// Deactivate 切换离开当前模式时调用：令牌模式删除加密令牌，委托模式登出。
func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	a.token = ""
	a.ready = false
	a.mu.Unlock()
	a.resetCache()
	switch a.mode {
	case storage.ModeRemoteToken:
		if a.creds != nil {
			return a.creds.RemoveToken()
		}
	case storage.ModeRemoteDelegated:
		if a.session != nil {
			return a.session.Logout(ctx)
		}
	}
	return nil
}

func (a *Adapter) ModeInfo() storage.ModeInfo {
	a.mu.RLock()
	owner, repo, branch, ready := a.owner, a.repo, a.branch, a.ready
	a.mu.RUnlock()
	info := storage.ModeInfo{
		Mode:         a.mode,
		Configured:   ready,
		Capabilities: storage.CapabilitiesOf(a),
	}
	if owner != "" {
		info.Location = fmt.Sprintf("%s/%s@%s", owner, repo, branch)
	}
	switch a.mode {
	case storage.ModeRemoteToken:
		info.Label = "GitHub（个人访问令牌）"
		info.Description = "通过 GitHub API 使用个人访问令牌读写仓库"
		info.Security = "令牌以 AES-256-GCM 加密保存在本地，密钥也保存在本地：可防随意查看，无法防御能读取全部本地数据的攻击者"
	case storage.ModeRemoteDelegated:
		info.Label = "GitHub（OAuth 授权）"
		info.Description = "通过授权中转服务获取短期令牌读写仓库"
		info.Security = "访问令牌只在内存中，续期凭证是中转服务设置的 HTTP-only Cookie"
	}
	return info
}

func (a *Adapter) cached(p string) (string, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	sha, ok := a.shaCache[p]
	return sha, ok
}

func (a *Adapter) remember(p, sha string) {
	if sha == "" {
		return
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.shaCache[p] = sha
}

func (a *Adapter) forget(p string) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	delete(a.shaCache, p)
}

func (a *Adapter) resetCache() {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.shaCache = make(map[string]string)
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

var (
	_ storage.Adapter      = (*Adapter)(nil)
	_ storage.CommitLister = (*Adapter)(nil)
	_ storage.Deactivator  = (*Adapter)(nil)
)
