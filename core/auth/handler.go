package auth

import (
	"context"
	"crypto/subtle"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dnslin/notevault/core/crypto"
	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/store"
)

// DefaultAuthorizeURL GitHub OAuth 授权页。
const DefaultAuthorizeURL = "https://github.com/login/oauth/authorize"

// Navigator 把用户代理引导到授权页，例如打开浏览器。
type Navigator func(authorizeURL string) error

// Handler 委托授权会话处理器：unauthenticated -> pending -> authenticated -> expired。
// 访问令牌只保存在内存中；续期凭证由中转服务以 HTTP-only Cookie 管理。
type Handler struct {
	client       *Intermediary
	pending      store.ConfigStore[pendingLogin]
	clientID     string
	redirectURI  string
	authorizeURL string
	scopes       []string
	navigate     Navigator
	window       time.Duration
	now          func() time.Time
	logger       httpclient.Logger

	renewMu sync.Mutex
	mu      sync.RWMutex
	state   State
	session *Session
	// silentTried 记录是否已尝试过无令牌时的静默续期。
	silentTried bool
}

// Option 配置 Handler。
type Option func(*Handler)

// WithClientID 设置 OAuth App 的 client_id。
func WithClientID(id string) Option {
	return func(h *Handler) {
		h.clientID = id
	}
}

// WithRedirectURI 设置回调地址。
func WithRedirectURI(uri string) Option {
	return func(h *Handler) {
		h.redirectURI = uri
	}
}

// WithAuthorizeURL 替换授权页地址。
func WithAuthorizeURL(u string) Option {
	return func(h *Handler) {
		h.authorizeURL = u
	}
}

// WithScopes 设置申请的权限范围。
func WithScopes(scopes ...string) Option {
	return func(h *Handler) {
		h.scopes = scopes
	}
}

// WithNavigator 设置登录时的跳转动作。
func WithNavigator(nav Navigator) Option {
	return func(h *Handler) {
		h.navigate = nav
	}
}

// WithSessionStore 设置会话级存储，用于保存一次性的 state。
func WithSessionStore(prefs store.Preferences) Option {
	return func(h *Handler) {
		if prefs != nil {
			h.pending = store.NewJSONConfig[pendingLogin](prefs, store.KeyOAuthState)
		}
	}
}

// WithRenewWindow 替换续期窗口。
func WithRenewWindow(d time.Duration) Option {
	return func(h *Handler) {
		h.window = d
	}
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler 创建会话处理器。
func NewHandler(client *Intermediary, opts ...Option) *Handler {
	h := &Handler{
		client:       client,
		authorizeURL: DefaultAuthorizeURL,
		scopes:       []string{"repo"},
		window:       RenewWindow,
		now:          time.Now,
		logger:       httpclient.NopLogger{},
		state:        StateUnauthenticated,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.pending == nil {
		h.pending = store.NewJSONConfig[pendingLogin](store.NewMemoryPreferences(), store.KeyOAuthState)
	}
	if h.logger == nil {
		h.logger = httpclient.NopLogger{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Login 生成一次性 state 并返回授权页地址，配置了 Navigator 时同时跳转。
func (h *Handler) Login(ctx context.Context) (string, error) {
	state := crypto.SecureRandomHex(16)
	if state == "" {
		return "", coreerrors.New(coreerrors.ErrCodeUnknown, "auth: 生成 state 失败")
	}
	if err := h.pending.SaveConfig(pendingLogin{State: state, RedirectURI: h.redirectURI, CreatedAt: h.now()}); err != nil {
		return "", err
	}
	h.setState(StatePending)

	target, err := h.buildAuthorizeURL(state)
	if err != nil {
		return "", err
	}
	if h.navigate != nil {
		if err := h.navigate(target); err != nil {
			return target, err
		}
	}
	h.logger.Debugf("auth: 已发起登录")
	return target, nil
}

func (h *Handler) buildAuthorizeURL(state string) (string, error) {
	u, err := url.Parse(h.authorizeURL)
	if err != nil {
		return "", coreerrors.Wrap(coreerrors.ErrCodeInvalidConfig, "auth: 授权地址非法", err)
	}
	q := u.Query()
	if h.clientID != "" {
		q.Set("client_id", h.clientID)
	}
	if h.redirectURI != "" {
		q.Set("redirect_uri", h.redirectURI)
	}
	if len(h.scopes) > 0 {
		q.Set("scope", strings.Join(h.scopes, " "))
	}
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HandleCallback 校验 state 后通过中转服务换取令牌。state 不一致是安全错误，不可重试。
func (h *Handler) HandleCallback(ctx context.Context, code, state string) error {
	pending, err := h.pending.LoadConfig()
	// state 只能使用一次，无论结果如何都先清除
	_ = h.pending.ClearConfig()
	if err != nil {
		h.abortLogin()
		if coreerrors.IsNotFound(err) {
			return ErrNoPendingLogin
		}
		return err
	}
	if pending.State == "" || subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		h.abortLogin()
		h.logger.Errorf("auth: 回调 state 不匹配")
		return ErrStateMismatch
	}
	if strings.TrimSpace(code) == "" {
		h.abortLogin()
		return ErrCodeEmpty
	}

	rsp, err := h.client.Exchange(ctx, code, pending.RedirectURI)
	if err != nil {
		h.abortLogin()
		return coreerrors.Wrap(coreerrors.ErrCodeUnauthenticated, "auth: 授权码交换失败", err)
	}
	h.adopt(rsp)
	h.logger.Debugf("auth: 登录成功，令牌有效期 %s", rsp.Lifetime())
	return nil
}

// GetToken 返回可用的访问令牌；进入续期窗口时先通过中转服务续期。
// 续期失败会转为 expired 并返回认证错误，调用方应提示重新登录。
func (h *Handler) GetToken(ctx context.Context) (string, error) {
	if token, ok := h.fresh(); ok {
		return token, nil
	}

	h.renewMu.Lock()
	defer h.renewMu.Unlock()
	// 等锁期间可能已被其他调用续期
	if token, ok := h.fresh(); ok {
		return token, nil
	}

	h.mu.Lock()
	held := h.session != nil
	trySilent := !held && h.state == StateUnauthenticated && !h.silentTried
	if trySilent {
		h.silentTried = true
	}
	h.mu.Unlock()

	if !held && !trySilent {
		return "", ErrNotAuthenticated
	}

	rsp, err := h.client.Refresh(ctx)
	if err != nil {
		if held {
			h.mu.Lock()
			h.session = nil
			h.state = StateExpired
			h.mu.Unlock()
			h.logger.Errorf("auth: 令牌续期失败: %v", err)
			return "", coreerrors.Wrap(coreerrors.ErrCodeUnauthenticated, "auth: 会话已过期，请重新登录", err)
		}
		h.logger.Debugf("auth: 静默续期失败: %v", err)
		return "", ErrNotAuthenticated
	}
	h.adopt(rsp)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.AccessToken, nil
}

func (h *Handler) fresh() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.session == nil || h.session.NeedsRenewal(h.now(), h.window) {
		return "", false
	}
	return h.session.AccessToken, true
}

func (h *Handler) adopt(rsp *TokenResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = &Session{
		AccessToken: rsp.AccessToken,
		ExpiresAt:   h.now().Add(rsp.Lifetime()),
	}
	h.state = StateAuthenticated
}

// Logout 尽力通知中转服务吊销，随后无条件清除本地状态。
func (h *Handler) Logout(ctx context.Context) error {
	if err := h.client.Revoke(ctx); err != nil {
		h.logger.Errorf("auth: 吊销失败，仍清除本地会话: %v", err)
	}
	h.clear()
	return nil
}

func (h *Handler) clear() {
	if err := h.pending.ClearConfig(); err != nil {
		h.logger.Errorf("auth: 清除 state 失败: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = nil
	h.state = StateUnauthenticated
}

// IsAuthenticated 持有未过期的令牌时为 true，不会触发续期。
func (h *Handler) IsAuthenticated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session != nil && !h.session.Expired(h.now())
}

// State 返回当前状态。
func (h *Handler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Session 返回当前会话的拷贝，未登录时为 nil。
func (h *Handler) Session() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.Clone()
}

// Verify 调用中转服务校验当前令牌。
func (h *Handler) Verify(ctx context.Context) (*VerifyUser, error) {
	token, err := h.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	rsp, err := h.client.Verify(ctx, token)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeUnauthenticated, "auth: 令牌校验失败", err)
	}
	user := rsp.User
	return &user, nil
}

// abortLogin 登录流程失败时回到发起前的状态。
func (h *Handler) abortLogin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil && !h.session.Expired(h.now()) {
		h.state = StateAuthenticated
		return
	}
	h.state = StateUnauthenticated
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}
