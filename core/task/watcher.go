package task

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dnslin/notevault/core/httpclient"
)

// DefaultDebounce 文件最后一次写入后等待多久才视为稳定。
const DefaultDebounce = 500 * time.Millisecond

// DirWatcher 监视本地目录树，文件写入稳定后回调其相对路径（斜杠分隔）。
// 以 "." 开头的子目录不监视。
type DirWatcher struct {
	root     string
	debounce time.Duration
	filter   func(rel string) bool
	logger   httpclient.Logger
}

// WatchOption 配置 DirWatcher。
type WatchOption func(*DirWatcher)

// WithDebounce 设置防抖时长。
func WithDebounce(d time.Duration) WatchOption {
	return func(w *DirWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFilter 只回调 filter 返回 true 的相对路径。
func WithFilter(filter func(rel string) bool) WatchOption {
	return func(w *DirWatcher) {
		w.filter = filter
	}
}

// WithWatchLogger 注入日志。
func WithWatchLogger(logger httpclient.Logger) WatchOption {
	return func(w *DirWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewDirWatcher(root string, opts ...WatchOption) *DirWatcher {
	w := &DirWatcher{root: root, debounce: DefaultDebounce, logger: httpclient.NopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run 阻塞直到 ctx 取消，onChange 在 Run 所在的 goroutine 中调用。
func (w *DirWatcher) Run(ctx context.Context, onChange func(rel string)) error {
	root, err := filepath.Abs(w.root)
	if err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if _, err := addTree(fw, root); err != nil {
		return err
	}

	pending := make(map[string]time.Time)
	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if !info.IsDir() {
				pending[ev.Name] = time.Now()
				continue
			}
			if ev.Op&fsnotify.Create == 0 || strings.HasPrefix(info.Name(), ".") {
				continue
			}
			// 新目录在 Add 之前写入的文件不会产生事件，直接补记
			files, err := addTree(fw, ev.Name)
			if err != nil {
				w.logger.Errorf("task: 监视新目录 %s 失败: %v", ev.Name, err)
			}
			for _, f := range files {
				pending[f] = time.Now()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Errorf("task: 目录监视出错: %v", err)
		case now := <-ticker.C:
			for p, at := range pending {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(pending, p)
				rel, err := filepath.Rel(root, p)
				if err != nil {
					continue
				}
				rel = filepath.ToSlash(rel)
				if w.filter != nil && !w.filter(rel) {
					continue
				}
				onChange(rel)
			}
		}
	}
}

// addTree 监视 dir 及其非隐藏子目录，返回其中已有的文件。
func addTree(fw *fsnotify.Watcher, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
	return files, err
}
