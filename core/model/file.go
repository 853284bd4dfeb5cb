package model

// File 统一的文件记录，SHA 为空表示尚未提交的新文件。
type File struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
	SHA     string `json:"sha,omitempty" yaml:"sha,omitempty"`
}

// EntryType 目录项类型。
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry 目录列表中的一项。
type Entry struct {
	Path string    `json:"path" yaml:"path"`
	Name string    `json:"name" yaml:"name"`
	Type EntryType `json:"type" yaml:"type"`
	SHA  string    `json:"sha,omitempty" yaml:"sha,omitempty"`
	Size int64     `json:"size,omitempty" yaml:"size,omitempty"`
}

// IsDir 判断是否为目录。
func (e Entry) IsDir() bool {
	return e.Type == EntryDir
}
