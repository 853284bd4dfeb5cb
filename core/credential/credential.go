// Package credential 在本地偏好存储中加密保存单个长期凭证。
//
// 密钥原文同样保存在本地存储中：它能防止随手查看与跨源读取，
// 但无法抵御拥有完整本地存储读取权限的攻击者。
package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dnslin/notevault/core/crypto"
	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/store"
)

const (
	keySize = 32
	// keyInfo 用于 HKDF 域隔离，修改会使已保存的凭证无法解密。
	keyInfo = "notevault:credential"
)

// Envelope 持久化的加密信封。
type Envelope struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store 加密凭证存储。
type Store struct {
	prefs  store.Preferences
	logger httpclient.Logger
	mu     sync.Mutex
}

// Option 配置 Store。
type Option func(*Store)

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore 创建凭证存储。
func NewStore(prefs store.Preferences, opts ...Option) *Store {
	s := &Store{prefs: prefs, logger: httpclient.NopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GetOrCreateKey 首次调用生成 256 位主密钥，之后从存储中读回。
func (s *Store) GetOrCreateKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadKey(true)
}

func (s *Store) loadKey(create bool) ([]byte, error) {
	if s.prefs == nil {
		return nil, coreerrors.New(coreerrors.ErrCodeInvalidConfig, "credential: Preferences 未设置")
	}
	raw, err := s.prefs.Get(store.KeyEncryptionKey)
	switch {
	case err == nil:
		master, decErr := base64.StdEncoding.DecodeString(raw)
		if decErr != nil || len(master) != keySize {
			return nil, coreerrors.New(coreerrors.ErrCodeInvalidState, "credential: 密钥数据损坏")
		}
		return master, nil
	case !coreerrors.IsNotFound(err):
		return nil, err
	case !create:
		return nil, err
	}
	master, err := crypto.RandomBytes(keySize)
	if err != nil {
		return nil, fmt.Errorf("credential: 生成密钥失败: %w", err)
	}
	if err := s.prefs.Set(store.KeyEncryptionKey, base64.StdEncoding.EncodeToString(master)); err != nil {
		return nil, fmt.Errorf("credential: 保存密钥失败: %w", err)
	}
	s.logger.Debugf("credential: 已生成新的加密密钥")
	return master, nil
}

// SaveToken 使用新的随机 IV 加密并保存凭证。
func (s *Store) SaveToken(token string) error {
	if token == "" {
		return coreerrors.New(coreerrors.ErrCodeInvalidArgument, "credential: token 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	master, err := s.loadKey(true)
	if err != nil {
		return err
	}
	key, err := crypto.DeriveKey(master, keyInfo)
	if err != nil {
		return err
	}
	iv, ciphertext, err := crypto.SealGCM(key, []byte(token), nil)
	if err != nil {
		return fmt.Errorf("credential: 加密失败: %w", err)
	}
	data, err := json.Marshal(Envelope{IV: iv, Ciphertext: ciphertext})
	if err != nil {
		return err
	}
	return s.prefs.Set(store.KeyEncryptedToken, string(data))
}

// GetToken 解密凭证。未保存、密钥缺失或解密失败时均返回 ("", false)。
func (s *Store) GetToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return "", false
	}
	raw, err := s.prefs.Get(store.KeyEncryptedToken)
	if err != nil {
		return "", false
	}
	master, err := s.loadKey(false)
	if err != nil {
		s.logger.Debugf("credential: 无可用密钥: %v", err)
		return "", false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Errorf("credential: 信封格式错误: %v", err)
		return "", false
	}
	key, err := crypto.DeriveKey(master, keyInfo)
	if err != nil {
		return "", false
	}
	plain, err := crypto.OpenGCM(key, env.IV, env.Ciphertext, nil)
	if err != nil {
		s.logger.Errorf("credential: 解密失败: %v", err)
		return "", false
	}
	return string(plain), true
}

// RemoveToken 删除已保存的凭证，保留密钥。
func (s *Store) RemoveToken() error {
	if s.prefs == nil {
		return nil
	}
	return s.prefs.Delete(store.KeyEncryptedToken)
}

// ClearAll 删除凭证并销毁密钥，之前加密的数据将永久无法恢复。
// 仅用于用户主动的完全重置。
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return nil
	}
	if err := s.prefs.Delete(store.KeyEncryptedToken); err != nil {
		return err
	}
	return s.prefs.Delete(store.KeyEncryptionKey)
}
