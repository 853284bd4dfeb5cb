package store

import (
	"encoding/json"
	"fmt"
)

// JSONConfig 将任意配置以 JSON 形式存放在 Preferences 的单个键下。
type JSONConfig[T any] struct {
	prefs Preferences
	key   string
}

// NewJSONConfig 创建绑定到 key 的配置存储。
func NewJSONConfig[T any](prefs Preferences, key string) *JSONConfig[T] {
	return &JSONConfig[T]{prefs: prefs, key: key}
}

// SaveConfig 实现 ConfigStore。
func (c *JSONConfig[T]) SaveConfig(cfg T) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: 序列化配置失败: %w", err)
	}
	return c.prefs.Set(c.key, string(data))
}

// LoadConfig 实现 ConfigStore，键不存在时返回 ErrNotFound。
func (c *JSONConfig[T]) LoadConfig() (T, error) {
	var cfg T
	raw, err := c.prefs.Get(c.key)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("store: 解析配置 %s 失败: %w", c.key, err)
	}
	return cfg, nil
}

// ClearConfig 实现 ConfigStore。
func (c *JSONConfig[T]) ClearConfig() error {
	return c.prefs.Delete(c.key)
}
