package storage

import (
	"context"
	"io"
	"sync"

	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/model"
	"github.com/dnslin/notevault/core/store"
)

// CredentialResetter 在完全重置时销毁凭证与密钥。
type CredentialResetter interface {
	ClearAll() error
}

// Manager 存储门面：同一时刻只持有一个已配置的适配器，其余代码只依赖它。
//
// 文件操作在读锁下取出当前适配器后在锁外执行，因此切换后仍可能有
// 发往旧适配器的调用返回结果。
type Manager struct {
	prefs    store.Preferences
	registry Registry
	creds    CredentialResetter
	logger   httpclient.Logger
	probe    bool

	switchMu sync.Mutex
	mu       sync.RWMutex
	active   Adapter
}

// ManagerOption 配置 Manager。
type ManagerOption func(*Manager)

// WithCredentials 注入完全重置时需要清理的凭证存储。
func WithCredentials(creds CredentialResetter) ManagerOption {
	return func(m *Manager) {
		m.creds = creds
	}
}

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConnectionProbe 控制切换模式时是否探测新后端可达性，默认开启。
func WithConnectionProbe(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.probe = enabled
	}
}

// NewManager 创建门面。registry 通常来自 backend.NewRegistry。
func NewManager(prefs store.Preferences, registry Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		prefs:    prefs,
		registry: registry,
		logger:   httpclient.NopLogger{},
		probe:    true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Initialize 按优先级解析配置：显式参数、结构化引导记录、旧版模式键。
// 尚无任何配置时返回 (false, nil)，提示调用方进入首次设置。
func (m *Manager) Initialize(ctx context.Context, bootstrap Config) (bool, error) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	cfg, err := m.resolve(bootstrap)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		m.logger.Debugf("storage: 未找到存储配置")
		return false, nil
	}
	adapter, err := m.build(cfg)
	if err != nil {
		return false, err
	}
	if err := adapter.Configure(ctx, cfg); err != nil {
		m.discard(adapter)
		return false, err
	}
	if !adapter.IsConfigured() {
		m.discard(adapter)
		m.logger.Debugf("storage: 模式 %s 配置不完整", cfg.Mode())
		return false, nil
	}
	if err := m.persist(cfg); err != nil {
		m.discard(adapter)
		return false, err
	}
	m.mu.Lock()
	old := m.active
	m.active = adapter
	m.mu.Unlock()
	if old != nil {
		m.discard(old)
	}
	m.logger.Debugf("storage: 已初始化模式 %s", cfg.Mode())
	return true, nil
}

func (m *Manager) resolve(bootstrap Config) (Config, error) {
	if bootstrap != nil {
		return bootstrap, nil
	}
	if m.prefs == nil {
		return nil, coreerrors.New(coreerrors.ErrCodeInvalidConfig, "storage: Preferences 未设置")
	}
	raw, err := m.prefs.Get(store.KeyStorageConfig)
	if err == nil {
		return DecodeRecord([]byte(raw))
	}
	if !coreerrors.IsNotFound(err) {
		return nil, err
	}
	modeStr, err := m.prefs.Get(store.KeyStorageMode)
	if err != nil {
		if coreerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}
	blob, err := m.prefs.Get(store.ModeConfigKey(string(mode)))
	if err != nil && !coreerrors.IsNotFound(err) {
		return nil, err
	}
	return DecodeConfig(mode, []byte(blob))
}

func (m *Manager) build(cfg Config) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, ok := m.registry[cfg.Mode()]
	if !ok || factory == nil {
		return nil, coreerrors.Newf(coreerrors.ErrCodeInvalidArgument, "storage: 未注册的存储模式 %q", cfg.Mode())
	}
	return factory(), nil
}

// SwitchMode 配置新的适配器，仅在成功后替换当前适配器并持久化。
// 任何失败都会恢复切换前的状态后把错误返回给调用方。
func (m *Manager) SwitchMode(ctx context.Context, cfg Config) (bool, error) {
	if cfg == nil {
		return false, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "storage: 配置为空")
	}
	adapter, err := m.build(cfg)
	if err != nil {
		return false, err
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	// Configure 可能写入凭证，快照需在其之前获取。
	snap := m.snapshot(cfg.Mode())
	fail := func(err error) (bool, error) {
		m.discard(adapter)
		m.restore(snap)
		m.logger.Errorf("storage: 切换到 %s 失败，已回滚: %v", cfg.Mode(), err)
		return false, err
	}
	if err := adapter.Configure(ctx, cfg); err != nil {
		return fail(err)
	}
	if !adapter.IsConfigured() {
		return fail(coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "storage: 模式 %s 配置后仍不可用", cfg.Mode()))
	}
	if m.probe && !adapter.CheckConnection(ctx) {
		return fail(coreerrors.Newf(coreerrors.ErrCodeTransport, "storage: 无法连接到 %s 后端", cfg.Mode()))
	}
	if err := m.persist(cfg); err != nil {
		return fail(err)
	}

	m.mu.Lock()
	old := m.active
	m.active = adapter
	m.mu.Unlock()

	if old != nil {
		if old.Mode() != adapter.Mode() {
			if d, ok := old.(Deactivator); ok {
				if err := d.Deactivate(ctx); err != nil {
					m.logger.Errorf("storage: 清理旧模式 %s 失败: %v", old.Mode(), err)
				}
			}
		}
		m.discard(old)
	}
	m.logger.Debugf("storage: 已切换到模式 %s", adapter.Mode())
	return true, nil
}

// discard 释放不再使用的适配器持有的资源（数据库连接等）。
func (m *Manager) discard(adapter Adapter) {
	if c, ok := adapter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			m.logger.Debugf("storage: 释放适配器失败: %v", err)
		}
	}
}

type prefSnapshot map[string]*string

func (m *Manager) snapshot(mode Mode) prefSnapshot {
	snap := prefSnapshot{}
	if m.prefs == nil {
		return snap
	}
	keys := []string{
		store.KeyStorageMode,
		store.KeyStorageConfig,
		store.ModeConfigKey(string(mode)),
		store.KeyEncryptedToken,
		store.KeyEncryptionKey,
	}
	for _, key := range keys {
		if v, err := m.prefs.Get(key); err == nil {
			value := v
			snap[key] = &value
		} else {
			snap[key] = nil
		}
	}
	return snap
}

func (m *Manager) restore(snap prefSnapshot) {
	for key, v := range snap {
		var err error
		if v == nil {
			err = m.prefs.Delete(key)
		} else {
			err = m.prefs.Set(key, *v)
		}
		if err != nil {
			m.logger.Errorf("storage: 恢复 %s 失败: %v", key, err)
		}
	}
}

func (m *Manager) persist(cfg Config) error {
	if m.prefs == nil {
		return coreerrors.New(coreerrors.ErrCodeInvalidConfig, "storage: Preferences 未设置")
	}
	record, err := EncodeRecord(cfg)
	if err != nil {
		return err
	}
	blob, err := encodeBlob(cfg)
	if err != nil {
		return err
	}
	if err := m.prefs.Set(store.ModeConfigKey(string(cfg.Mode())), blob); err != nil {
		return err
	}
	if err := m.prefs.Set(store.KeyStorageConfig, string(record)); err != nil {
		return err
	}
	return m.prefs.Set(store.KeyStorageMode, string(cfg.Mode()))
}

// Reset 注销当前模式并清除所有持久化的存储状态与凭证。
func (m *Manager) Reset(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	old := m.active
	m.active = nil
	m.mu.Unlock()

	if d, ok := old.(Deactivator); ok {
		if err := d.Deactivate(ctx); err != nil {
			m.logger.Errorf("storage: 注销模式 %s 失败: %v", old.Mode(), err)
		}
	}
	if old != nil {
		m.discard(old)
	}
	if m.prefs == nil {
		return nil
	}
	keys := []string{store.KeyStorageMode, store.KeyStorageConfig}
	for _, mode := range Modes() {
		keys = append(keys, store.ModeConfigKey(string(mode)))
	}
	for _, key := range keys {
		if err := m.prefs.Delete(key); err != nil {
			return err
		}
	}
	if m.creds != nil {
		return m.creds.ClearAll()
	}
	if err := m.prefs.Delete(store.KeyEncryptedToken); err != nil {
		return err
	}
	return m.prefs.Delete(store.KeyEncryptionKey)
}

// Close 释放当前适配器的资源，不改变持久化状态。
func (m *Manager) Close() error {
	m.mu.Lock()
	old := m.active
	m.active = nil
	m.mu.Unlock()
	if c, ok := old.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (m *Manager) current() (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, ErrNotInitialized
	}
	return m.active, nil
}

// Mode 返回当前模式，未初始化时为空。
func (m *Manager) Mode() Mode {
	a, err := m.current()
	if err != nil {
		return ""
	}
	return a.Mode()
}

// IsConfigured 当前是否有可用的适配器。
func (m *Manager) IsConfigured() bool {
	a, err := m.current()
	return err == nil && a.IsConfigured()
}

// Adapter 返回当前适配器，供需要直接访问能力接口的调用方使用。
func (m *Manager) Adapter() (Adapter, error) {
	return m.current()
}

func (m *Manager) GetFile(ctx context.Context, path string) (*model.File, error) {
	a, err := m.current()
	if err != nil {
		return nil, err
	}
	return a.GetFile(ctx, path)
}

func (m *Manager) PutFile(ctx context.Context, path, content, message, sha string) (*model.File, error) {
	a, err := m.current()
	if err != nil {
		return nil, err
	}
	return a.PutFile(ctx, path, content, message, sha)
}

func (m *Manager) DeleteFile(ctx context.Context, path, message, sha string) error {
	a, err := m.current()
	if err != nil {
		return err
	}
	return a.DeleteFile(ctx, path, message, sha)
}

func (m *Manager) ListFiles(ctx context.Context, path string) ([]model.Entry, error) {
	a, err := m.current()
	if err != nil {
		return nil, err
	}
	return a.ListFiles(ctx, path)
}

// CheckConnection 未初始化时返回 false。
func (m *Manager) CheckConnection(ctx context.Context) bool {
	a, err := m.current()
	if err != nil {
		return false
	}
	return a.CheckConnection(ctx)
}

// ExportData 仅本地模式可用。
func (m *Manager) ExportData(ctx context.Context) (*model.Bundle, error) {
	a, err := m.current()
	if err != nil {
		return nil, err
	}
	e, ok := a.(Exporter)
	if !ok {
		return nil, unsupported(a.Mode(), "exportData")
	}
	return e.ExportData(ctx)
}

// ImportData 仅本地模式可用。
func (m *Manager) ImportData(ctx context.Context, bundle *model.Bundle) (int, error) {
	a, err := m.current()
	if err != nil {
		return 0, err
	}
	e, ok := a.(Exporter)
	if !ok {
		return 0, unsupported(a.Mode(), "importData")
	}
	if bundle == nil {
		return 0, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "storage: 导入数据为空")
	}
	return e.ImportData(ctx, bundle)
}

// GetHistory 仅本地模式可用。
func (m *Manager) GetHistory(ctx context.Context, path string, limit int) ([]model.Commit, error) {
	a, err := m.current()
	if err != nil {
		return nil, err
	}
	h, ok := a.(HistoryProvider)
	if !ok {
		return nil, unsupported(a.Mode(), "getHistory")
	}
	return h.GetHistory(ctx, path, limit)
}

// GetCommits 仅远端模式可用。
func (m *Manager) GetCommits(ctx context.Context, limit int) ([]model.Commit, error) {
	a, err := m.current()
	if err != nil {
		return nil, err
	}
	c, ok := a.(CommitLister)
	if !ok {
		return nil, unsupported(a.Mode(), "getCommits")
	}
	return c.GetCommits(ctx, limit)
}

// ModeInfo 未配置时返回占位信息，不会失败。
func (m *Manager) ModeInfo() ModeInfo {
	a, err := m.current()
	if err != nil {
		return UnconfiguredInfo()
	}
	return a.ModeInfo()
}
