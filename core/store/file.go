package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// FilePreferences 以 TOML 文件持久化键值，文件权限 0600。
// 每次写入都会整体重写文件。
type FilePreferences struct {
	path   string
	mu     sync.Mutex
	values map[string]string
}

// OpenFilePreferences 打开（不存在则视为空）偏好文件。
func OpenFilePreferences(path string) (*FilePreferences, error) {
	if path == "" {
		return nil, fmt.Errorf("store: 偏好文件路径为空")
	}
	p := &FilePreferences{path: path, values: make(map[string]string)}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("store: 读取偏好文件失败: %w", err)
	}
	if _, err := toml.DecodeFile(path, &p.values); err != nil {
		return nil, fmt.Errorf("store: 解析偏好文件失败: %w", err)
	}
	return p, nil
}

// DefaultPath 返回用户配置目录下的默认偏好文件路径。
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "notevault", "prefs.toml"), nil
}

// Path 返回文件路径。
func (p *FilePreferences) Path() string {
	return p.path
}

func (p *FilePreferences) Get(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (p *FilePreferences) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, had := p.values[key]
	p.values[key] = value
	if err := p.flush(); err != nil {
		if had {
			p.values[key] = prev
		} else {
			delete(p.values, key)
		}
		return err
	}
	return nil
}

func (p *FilePreferences) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, had := p.values[key]
	if !had {
		return nil
	}
	delete(p.values, key)
	if err := p.flush(); err != nil {
		p.values[key] = prev
		return err
	}
	return nil
}

func (p *FilePreferences) flush() error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: 创建目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".prefs-*.toml")
	if err != nil {
		return fmt.Errorf("store: 创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("store: 设置权限失败: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(p.values); err != nil {
		tmp.Close()
		return fmt.Errorf("store: 写入偏好文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: 写入偏好文件失败: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("store: 替换偏好文件失败: %w", err)
	}
	return nil
}
