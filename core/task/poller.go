package task

import (
	"context"
	"sync"
	"time"

	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/model"
)

// DefaultPollInterval 远端变更轮询的默认间隔。
const DefaultPollInterval = time.Minute

// CommitSource 提供最新提交，storage.Manager 满足该接口。
type CommitSource interface {
	GetCommits(ctx context.Context, limit int) ([]model.Commit, error)
}

// Poller 定期检查远端最新提交，变化时回调。
// 失败只记录日志，等下一个周期再试。
type Poller struct {
	source   CommitSource
	interval time.Duration
	onChange func(model.Commit)
	logger   httpclient.Logger

	mu   sync.Mutex
	head string
}

// PollerOption 配置 Poller。
type PollerOption func(*Poller)

// WithInterval 设置轮询间隔。
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollerLogger 注入日志。
func WithPollerLogger(logger httpclient.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoller 创建轮询器。首次成功获取的提交只作为基准，不触发回调。
func NewPoller(source CommitSource, onChange func(model.Commit), opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		interval: DefaultPollInterval,
		onChange: onChange,
		logger:   httpclient.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Head 返回最近一次观察到的提交 SHA。
func (p *Poller) Head() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head
}

// Poll 执行一次检查，返回最新提交是否发生变化。
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	commits, err := p.source.GetCommits(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(commits) == 0 {
		return false, nil
	}
	latest := commits[0]

	p.mu.Lock()
	prev := p.head
	p.head = latest.SHA
	p.mu.Unlock()

	if prev == "" || prev == latest.SHA {
		return false, nil
	}
	p.logger.Debugf("task: 远端提交变化 %s -> %s", prev, latest.SHA)
	if p.onChange != nil {
		p.onChange(latest)
	}
	return true, nil
}

// Run 阻塞轮询直到 ctx 取消。当前模式不支持提交列表时立即返回该错误。
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil {
			if coreerrors.IsUnsupported(err) || coreerrors.IsNotInitialized(err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Errorf("task: 轮询远端提交失败: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
