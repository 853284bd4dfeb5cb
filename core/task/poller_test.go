package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/model"
)

type scriptedSource struct {
	mu    sync.Mutex
	heads []string
	errs  []error
	calls int
}

func (s *scriptedSource) GetCommits(ctx context.Context, limit int) ([]model.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if len(s.heads) == 0 {
		return []model.Commit{}, nil
	}
	if i >= len(s.heads) {
		i = len(s.heads) - 1
	}
	return []model.Commit{{SHA: s.heads[i]}}, nil
}

func TestPoller_DetectsHeadChange(t *testing.T) {
	src := &scriptedSource{heads: []string{"c1", "c1", "c2", "c2"}}
	var changes []string
	p := NewPoller(src, func(c model.Commit) { changes = append(changes, c.SHA) })
	ctx := context.Background()

	for i, want := range []bool{false, false, true, false} {
		changed, err := p.Poll(ctx)
		if err != nil {
			t.Fatalf("第 %d 次轮询失败: %v", i, err)
		}
		if changed != want {
			t.Fatalf("第 %d 次轮询 changed=%v，期望 %v", i, changed, want)
		}
	}
	if len(changes) != 1 || changes[0] != "c2" {
		t.Fatalf("回调应只收到 c2，实际 %v", changes)
	}
	if p.Head() != "c2" {
		t.Fatalf("Head 应为 c2，实际 %s", p.Head())
	}
}

func TestPoller_FailureKeepsBaseline(t *testing.T) {
	src := &scriptedSource{
		heads: []string{"c1", "", "c1"},
		errs:  []error{nil, errors.New("网络抖动"), nil},
	}
	p := NewPoller(src, nil)
	ctx := context.Background()

	p.Poll(ctx)
	if _, err := p.Poll(ctx); err == nil {
		t.Fatalf("第二次轮询应返回错误")
	}
	if changed, _ := p.Poll(ctx); changed {
		t.Fatalf("失败后恢复不应误报变化")
	}
}

func TestPoller_RunStopsWhenUnsupported(t *testing.T) {
	unsupported := coreerrors.New(coreerrors.ErrCodeUnsupported, "不支持")
	src := &scriptedSource{errs: []error{unsupported}}
	p := NewPoller(src, nil, WithInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Run(ctx); !coreerrors.IsUnsupported(err) {
		t.Fatalf("不支持提交列表时应立即返回，实际: %v", err)
	}
}

func TestPoller_RunRetriesUntilCanceled(t *testing.T) {
	src := &scriptedSource{
		heads: []string{"c1", "c1", "c2"},
		errs:  []error{nil, errors.New("临时错误")},
	}
	changed := make(chan string, 1)
	p := NewPoller(src, func(c model.Commit) { changed <- c.SHA }, WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case sha := <-changed:
		if sha != "c2" {
			t.Fatalf("应检测到 c2，实际 %s", sha)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("未检测到变化")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled，实际: %v", err)
	}
}
