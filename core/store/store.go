package store

import coreerrors "github.com/dnslin/notevault/core/errors"

// 持久化键名。修改任意一个都会使已保存的用户状态失效。
const (
	KeyStorageMode    = "notevault_storage_mode"
	KeyStorageConfig  = "notevault_storage_config"
	KeyConfigPrefix   = "notevault_config_"
	KeyEncryptedToken = "notevault_encrypted_token"
	KeyEncryptionKey  = "notevault_encryption_key"
	// KeyOAuthState 仅存于会话级存储。
	KeyOAuthState = "notevault_oauth_state"
)

// ErrNotFound 表示键不存在。
var ErrNotFound = coreerrors.New(coreerrors.ErrCodeNotFound, "store: 键不存在")

// ModeConfigKey 返回指定模式的配置键。
func ModeConfigKey(mode string) string {
	return KeyConfigPrefix + mode
}

// Preferences 抽象字符串键值持久化，语义对应浏览器 localStorage / sessionStorage。
type Preferences interface {
	// Get 读取键值，不存在时返回 ErrNotFound。
	Get(key string) (string, error)
	Set(key, value string) error
	// Delete 删除键，键不存在时不报错。
	Delete(key string) error
}

// ConfigStore 抽象用户偏好或客户端配置的存储。
type ConfigStore[T any] interface {
	SaveConfig(cfg T) error
	LoadConfig() (T, error)
	ClearConfig() error
}
