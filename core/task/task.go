// Package task 提供按路径串行的写入队列与远端变更轮询。
package task

import (
	"sync"
	"time"

	"github.com/dnslin/notevault/core/model"
)

// Kind 任务类型。
type Kind int

const (
	// KindSave 写入文件。
	KindSave Kind = iota
	// KindDelete 删除文件。
	KindDelete
)

// String 返回任务类型的字符串表示。
func (k Kind) String() string {
	switch k {
	case KindSave:
		return "save"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Status 任务状态。
type Status int

const (
	// StatusPending 等待中。
	StatusPending Status = iota
	// StatusRunning 运行中。
	StatusRunning
	// StatusCompleted 已完成。
	StatusCompleted
	// StatusFailed 失败。
	StatusFailed
	// StatusCanceled 已取消。
	StatusCanceled
)

// String 返回任务状态的字符串表示。
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Done 是否已进入终态。
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Task 表示一次排队的写入或删除。
type Task struct {
	mu sync.RWMutex

	ID        string
	Kind      Kind
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time

	Path    string
	Content string
	Message string
	SHA     string // 调用方给出的版本号，为空时沿用队列中上一次写入的结果

	Result *model.File // 写入成功后的文件记录，删除任务为 nil
	Error  error
}

func newTask(id string, kind Kind) *Task {
	now := time.Now()
	return &Task{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetStatus 设置任务状态。
func (t *Task) SetStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
	t.UpdatedAt = time.Now()
}

// GetStatus 获取任务状态。
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// begin 仅当任务仍在等待时切换为运行中。
func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusPending {
		return false
	}
	t.Status = StatusRunning
	t.UpdatedAt = time.Now()
	return true
}

func (t *Task) complete(result *model.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = result
	t.Status = StatusCompleted
	t.UpdatedAt = time.Now()
}

// SetError 设置任务错误。
func (t *Task) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Error = err
	t.Status = StatusFailed
	t.UpdatedAt = time.Now()
}

// GetError 获取任务错误。
func (t *Task) GetError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Error
}

// Clone 返回任务的副本（用于安全传递给回调）。
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Task{
		ID:        t.ID,
		Kind:      t.Kind,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Path:      t.Path,
		Content:   t.Content,
		Message:   t.Message,
		SHA:       t.SHA,
		Result:    t.Result,
		Error:     t.Error,
	}
}

// Callback 任务状态变化回调。
type Callback func(task *Task)
