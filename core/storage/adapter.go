package storage

import (
	"context"

	"github.com/dnslin/notevault/core/model"
)

// Adapter 所有存储后端共享的最小契约。
type Adapter interface {
	Mode() Mode
	Configure(ctx context.Context, cfg Config) error
	IsConfigured() bool
	// GetFile 文件不存在时返回 (nil, nil)。
	GetFile(ctx context.Context, path string) (*model.File, error)
	// PutFile sha 为空表示新建或由适配器自行解析；返回写入后的记录。
	PutFile(ctx context.Context, path, content, message, sha string) (*model.File, error)
	DeleteFile(ctx context.Context, path, message, sha string) error
	// ListFiles 目录不存在时返回空切片。
	ListFiles(ctx context.Context, path string) ([]model.Entry, error)
	// CheckConnection 可达性探测，不返回错误，也不会无限阻塞。
	CheckConnection(ctx context.Context) bool
	ModeInfo() ModeInfo
}

// Exporter 本地模式的导出/导入能力。
type Exporter interface {
	ExportData(ctx context.Context) (*model.Bundle, error)
	// ImportData 返回写入的文件数。
	ImportData(ctx context.Context, bundle *model.Bundle) (int, error)
}

// HistoryProvider 本地模式的单文件历史。
type HistoryProvider interface {
	GetHistory(ctx context.Context, path string, limit int) ([]model.Commit, error)
}

// CommitLister 远端模式的提交列表，失败时返回空列表。
type CommitLister interface {
	GetCommits(ctx context.Context, limit int) ([]model.Commit, error)
}

// Deactivator 在切换离开该模式时清理模式专属状态（令牌、会话）。
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// Factory 创建一个未配置的适配器实例。
type Factory func() Adapter

// Registry 模式到工厂的静态查找表。
type Registry map[Mode]Factory

// Capability UI 可据此隐藏不可用的操作。
type Capability string

const (
	CapExport  Capability = "export"
	CapImport  Capability = "import"
	CapHistory Capability = "history"
	CapCommits Capability = "commits"
)

// ModeInfo 用于界面展示的模式摘要。
type ModeInfo struct {
	Mode         Mode         `json:"mode" yaml:"mode"`
	Label        string       `json:"label" yaml:"label"`
	Description  string       `json:"description" yaml:"description"`
	Configured   bool         `json:"configured" yaml:"configured"`
	Location     string       `json:"location,omitempty" yaml:"location,omitempty"`
	Security     string       `json:"security" yaml:"security"`
	Offline      bool         `json:"offline" yaml:"offline"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// Has 判断是否具备某项能力。
func (i ModeInfo) Has(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CapabilitiesOf 根据适配器实现的可选接口推导能力列表。
func CapabilitiesOf(a Adapter) []Capability {
	caps := []Capability{}
	if _, ok := a.(Exporter); ok {
		caps = append(caps, CapExport, CapImport)
	}
	if _, ok := a.(HistoryProvider); ok {
		caps = append(caps, CapHistory)
	}
	if _, ok := a.(CommitLister); ok {
		caps = append(caps, CapCommits)
	}
	return caps
}

// UnconfiguredInfo 未配置任何后端时的占位信息。
func UnconfiguredInfo() ModeInfo {
	return ModeInfo{
		Label:        "未配置",
		Description:  "尚未选择存储方式，请先完成初始设置",
		Security:     "无",
		Capabilities: []Capability{},
	}
}
