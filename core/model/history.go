package model

import "time"

// Commit 一条提交/修订记录。
type Commit struct {
	SHA     string    `json:"sha" yaml:"sha"`
	Message string    `json:"message" yaml:"message"`
	Author  string    `json:"author,omitempty" yaml:"author,omitempty"`
	Email   string    `json:"email,omitempty" yaml:"email,omitempty"`
	Date    time.Time `json:"date" yaml:"date"`
	URL     string    `json:"url,omitempty" yaml:"url,omitempty"`
}

// Bundle 本地模式导出/导入的数据包。
type Bundle struct {
	Version    int       `json:"version"`
	Mode       string    `json:"mode"`
	ExportedAt time.Time `json:"exportedAt"`
	Files      []File    `json:"files"`
}

// BundleVersion 当前导出格式版本。
const BundleVersion = 1
