package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	coreerrors "github.com/dnslin/notevault/core/errors"
)

// Mode 存储模式。
type Mode string

const (
	ModeRemoteToken     Mode = "remote-token"
	ModeRemoteDelegated Mode = "remote-delegated"
	ModeLocalDB         Mode = "local-db"
	ModeLocalVersioned  Mode = "local-versioned"
)

// Modes 返回全部已知模式。
func Modes() []Mode {
	return []Mode{ModeRemoteToken, ModeRemoteDelegated, ModeLocalDB, ModeLocalVersioned}
}

// ParseMode 解析模式字符串，未知模式返回 INVALID_ARGUMENT。
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.TrimSpace(s))
	for _, known := range Modes() {
		if m == known {
			return m, nil
		}
	}
	return "", coreerrors.Newf(coreerrors.ErrCodeInvalidArgument, "storage: 未知的存储模式 %q", s)
}

// DefaultBranch 远端模式未指定分支时使用。
const DefaultBranch = "main"

// Config 是四种模式配置的封闭联合，每种模式只携带自己的字段。
type Config interface {
	Mode() Mode
	Validate() error
	sealed()
}

// TokenConfig 长期令牌模式。Token 永不序列化，落盘由凭证存储加密处理。
type TokenConfig struct {
	Token  string `json:"-"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
}

// DelegatedConfig 委托授权模式，令牌只存在于会话处理器内存中。
type DelegatedConfig struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
}

// LocalDBConfig 本地数据库模式。
type LocalDBConfig struct {
	Name string `json:"name,omitempty"`
}

// VersionedConfig 本地版本库模式。
type VersionedConfig struct {
	Author    string `json:"author"`
	Email     string `json:"email"`
	RepoName  string `json:"repoName,omitempty"`
	RemoteURL string `json:"remoteUrl,omitempty"`
}

func (TokenConfig) Mode() Mode     { return ModeRemoteToken }
func (DelegatedConfig) Mode() Mode { return ModeRemoteDelegated }
func (LocalDBConfig) Mode() Mode   { return ModeLocalDB }
func (VersionedConfig) Mode() Mode { return ModeLocalVersioned }

func (TokenConfig) sealed()     {}
func (DelegatedConfig) sealed() {}
func (LocalDBConfig) sealed()   {}
func (VersionedConfig) sealed() {}

// Validate 校验必填字段。Token 可为空，此时从凭证存储读取。
func (c TokenConfig) Validate() error {
	return validateRepo(c.Mode(), c.Owner, c.Repo)
}

func (c DelegatedConfig) Validate() error {
	return validateRepo(c.Mode(), c.Owner, c.Repo)
}

func (c LocalDBConfig) Validate() error { return nil }

func (c VersionedConfig) Validate() error {
	if strings.TrimSpace(c.Author) == "" || strings.TrimSpace(c.Email) == "" {
		return coreerrors.New(coreerrors.ErrCodeInvalidConfig, "storage: local-versioned 需要 author 与 email")
	}
	return nil
}

func validateRepo(mode Mode, owner, repo string) error {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(repo) == "" {
		return coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "storage: %s 需要 owner 与 repo", mode)
	}
	if strings.Contains(owner, "/") || strings.Contains(repo, "/") {
		return coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "storage: owner/repo 不能包含 '/'")
	}
	return nil
}

// DecodeConfig 按模式解析单模式配置块。空数据得到该模式的零值配置。
func DecodeConfig(mode Mode, raw []byte) (Config, error) {
	var (
		cfg Config
		err error
	)
	switch mode {
	case ModeRemoteToken:
		var c TokenConfig
		err = unmarshalBlob(raw, &c)
		cfg = c
	case ModeRemoteDelegated:
		var c DelegatedConfig
		err = unmarshalBlob(raw, &c)
		cfg = c
	case ModeLocalDB:
		var c LocalDBConfig
		err = unmarshalBlob(raw, &c)
		cfg = c
	case ModeLocalVersioned:
		var c VersionedConfig
		err = unmarshalBlob(raw, &c)
		cfg = c
	default:
		return nil, coreerrors.Newf(coreerrors.ErrCodeInvalidArgument, "storage: 未知的存储模式 %q", mode)
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeInvalidConfig, fmt.Sprintf("storage: 解析 %s 配置失败", mode), err)
	}
	return cfg, nil
}

func unmarshalBlob(raw []byte, v any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// EncodeRecord 生成带 mode 字段的结构化引导记录。
func EncodeRecord(cfg Config) ([]byte, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["mode"] = cfg.Mode()
	return json.Marshal(fields)
}

// DecodeRecord 解析结构化引导记录，未知模式为硬错误。
func DecodeRecord(raw []byte) (Config, error) {
	var head struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeInvalidConfig, "storage: 引导记录格式错误", err)
	}
	mode, err := ParseMode(head.Mode)
	if err != nil {
		return nil, err
	}
	return DecodeConfig(mode, raw)
}

func encodeBlob(cfg Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
