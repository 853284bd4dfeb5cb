package task

import (
	"context"
	"sync"

	"github.com/google/uuid"

	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/model"
)

// 错误定义。
var (
	ErrTaskNotFound  = coreerrors.New(coreerrors.ErrCodeNotFound, "task: 任务不存在")
	ErrInvalidStatus = coreerrors.New(coreerrors.ErrCodeInvalidState, "task: 无效的任务状态")
	ErrQueueClosed   = coreerrors.New(coreerrors.ErrCodeInvalidState, "task: 队列已关闭")
)

// Writer 队列写入的目标，storage.Manager 满足该接口。
type Writer interface {
	PutFile(ctx context.Context, path, content, message, sha string) (*model.File, error)
	DeleteFile(ctx context.Context, path, message, sha string) error
}

// lane 同一路径的任务按入队顺序逐个执行。
type lane struct {
	pending []*Task
	lastSHA string
	chained bool
}

// Queue 写入队列：同一路径严格 FIFO，不同路径并发执行，总并发受限。
type Queue struct {
	writer Writer
	logger httpclient.Logger

	mu        sync.RWMutex
	tasks     map[string]*Task
	lanes     map[string]*lane
	callbacks []Callback
	closed    bool

	maxConcurrent int
	semaphore     chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	// active 是正在排空的路径数，归零时关闭 idle；两者都受 mu 保护
	active int
	idle   chan struct{}
}

// Option 队列配置选项。
type Option func(*Queue)

// WithMaxConcurrent 设置最大并发数。
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue 创建写入队列。
func NewQueue(writer Writer, opts ...Option) *Queue {
	q := &Queue{
		writer:        writer,
		logger:        httpclient.NopLogger{},
		tasks:         make(map[string]*Task),
		lanes:         make(map[string]*lane),
		maxConcurrent: 3, // 默认最大并发数
		idle:          make(chan struct{}),
	}
	close(q.idle)
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.semaphore = make(chan struct{}, q.maxConcurrent)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Save 排队写入文件，返回任务 ID。
func (q *Queue) Save(path, content, message, sha string) (string, error) {
	t := newTask(uuid.NewString(), KindSave)
	t.Path, t.Content, t.Message, t.SHA = path, content, message, sha
	return q.enqueue(t)
}

// Delete 排队删除文件，返回任务 ID。
func (q *Queue) Delete(path, message, sha string) (string, error) {
	t := newTask(uuid.NewString(), KindDelete)
	t.Path, t.Message, t.SHA = path, message, sha
	return q.enqueue(t)
}

func (q *Queue) enqueue(t *Task) (string, error) {
	if t.Path == "" {
		return "", coreerrors.New(coreerrors.ErrCodeInvalidArgument, "task: 路径为空")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.tasks[t.ID] = t
	l, running := q.lanes[t.Path]
	if !running {
		l = &lane{}
		q.lanes[t.Path] = l
	}
	l.pending = append(l.pending, t)
	if !running {
		if q.active == 0 {
			q.idle = make(chan struct{})
		}
		q.active++
	}
	q.mu.Unlock()

	q.notify(t)
	if !running {
		go q.drain(t.Path, l)
	}
	return t.ID, nil
}

// drain 依次执行路径上的任务，队列清空后移除该路径。
func (q *Queue) drain(path string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			delete(q.lanes, path)
			q.active--
			if q.active == 0 {
				close(q.idle)
			}
			q.mu.Unlock()
			return
		}
		t := l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()

		q.run(t, l)
	}
}

func (q *Queue) run(t *Task, l *lane) {
	if err := q.acquireSemaphore(q.ctx); err != nil {
		if t.GetStatus() == StatusPending {
			t.SetStatus(StatusCanceled)
			q.notify(t)
		}
		return
	}
	defer q.releaseSemaphore()

	if !t.begin() {
		return
	}
	q.notify(t)

	// 已开始的写入不随队列关闭而中断
	ctx := context.WithoutCancel(q.ctx)
	sha := t.SHA
	if sha == "" && l.chained {
		sha = l.lastSHA
	}
	switch t.Kind {
	case KindSave:
		file, err := q.writer.PutFile(ctx, t.Path, t.Content, t.Message, sha)
		if err != nil {
			q.fail(t, l, err)
			return
		}
		l.lastSHA, l.chained = file.SHA, true
		t.complete(file)
	case KindDelete:
		if err := q.writer.DeleteFile(ctx, t.Path, t.Message, sha); err != nil {
			q.fail(t, l, err)
			return
		}
		l.lastSHA, l.chained = "", true
		t.complete(nil)
	}
	q.notify(t)
}

func (q *Queue) fail(t *Task, l *lane, err error) {
	l.lastSHA, l.chained = "", false
	q.logger.Errorf("task: %s %s 失败: %v", t.Kind, t.Path, err)
	t.SetError(err)
	q.notify(t)
}

// GetTask 获取任务。
func (q *Queue) GetTask(taskID string) (*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListTasks 列出所有任务。
func (q *Queue) ListTasks() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		result = append(result, t.Clone())
	}
	return result
}

// ListTasksByStatus 按状态列出任务。
func (q *Queue) ListTasksByStatus(status Status) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]*Task, 0)
	for _, t := range q.tasks {
		if t.GetStatus() == status {
			result = append(result, t.Clone())
		}
	}
	return result
}

// RemoveTask 移除已结束的任务。
func (q *Queue) RemoveTask(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !t.GetStatus().Done() {
		return ErrInvalidStatus
	}
	delete(q.tasks, taskID)
	return nil
}

// Cancel 取消尚未开始的任务。已开始的写入无法撤回。
func (q *Queue) Cancel(taskID string) error {
	q.mu.RLock()
	t, ok := q.tasks[taskID]
	q.mu.RUnlock()
	if !ok {
		return ErrTaskNotFound
	}

	t.mu.Lock()
	if t.Status != StatusPending {
		t.mu.Unlock()
		return ErrInvalidStatus
	}
	t.Status = StatusCanceled
	t.mu.Unlock()

	q.notify(t)
	return nil
}

// Subscribe 订阅任务状态变化。回调在执行任务的 goroutine 中同步调用。
func (q *Queue) Subscribe(callback Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks = append(q.callbacks, callback)
}

// Wait 阻塞直到当前所有任务结束或 ctx 取消。
// 等待期间新加入的路径会延长等待。
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.RLock()
		idle := q.idle
		q.mu.RUnlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.RLock()
		done := q.active == 0
		q.mu.RUnlock()
		if done {
			return nil
		}
	}
}

// Close 拒绝新任务，取消所有未开始的任务并等待执行中的任务结束。
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	_ = q.Wait(context.Background())
}

func (q *Queue) notify(t *Task) {
	q.mu.RLock()
	callbacks := make([]Callback, len(q.callbacks))
	copy(callbacks, q.callbacks)
	q.mu.RUnlock()

	clone := t.Clone()
	for _, cb := range callbacks {
		cb(clone)
	}
}

func (q *Queue) acquireSemaphore(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case q.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) releaseSemaphore() {
	<-q.semaphore
}
