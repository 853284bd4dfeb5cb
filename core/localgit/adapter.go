// Package localgit 在本机（或内存中）维护一个真实的 git 仓库，每次写入都是一次提交。
package localgit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/dnslin/notevault/core/crypto"
	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/model"
	"github.com/dnslin/notevault/core/storage"
)

// DefaultRepoName 未指定仓库名时使用。
const DefaultRepoName = "notes"

const remoteName = "origin"

var validRepoName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Adapter 本地版本化存储。所有 go-git 调用都在 mu 下串行执行。
type Adapter struct {
	dir      string
	inMemory bool
	now      func() time.Time
	logger   httpclient.Logger

	mu       sync.Mutex
	repo     *git.Repository
	cfg      storage.VersionedConfig
	location string
}

// Option 配置 Adapter。
type Option func(*Adapter)

// WithDataDir 设置仓库所在的父目录。
func WithDataDir(dir string) Option {
	return func(a *Adapter) {
		a.dir = dir
	}
}

// WithInMemory 仓库只存在于内存中，进程退出即丢失。
func WithInMemory() Option {
	return func(a *Adapter) {
		a.inMemory = true
	}
}

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithNow 替换提交时间来源。
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdapter 创建未配置的版本化适配器。
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		dir:    ".",
		now:    time.Now,
		logger: httpclient.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *Adapter) Mode() storage.Mode { return storage.ModeLocalVersioned }

// Configure 打开已有仓库或初始化新仓库，并按配置登记 origin。
func (a *Adapter) Configure(ctx context.Context, cfg storage.Config) error {
	c, ok := cfg.(storage.VersionedConfig)
	if !ok {
		return coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "localgit: 不接受 %s 配置", cfg.Mode())
	}
	if err := c.Validate(); err != nil {
		return err
	}
	name := c.RepoName
	if name == "" {
		name = DefaultRepoName
	}
	if !validRepoName.MatchString(name) || name == "." || name == ".." {
		return coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "localgit: 仓库名 %q 非法", name)
	}

	var (
		repo     *git.Repository
		location string
		err      error
	)
	if a.inMemory {
		repo, err = git.Init(memory.NewStorage(), memfs.New())
		location = "memory://" + name
	} else {
		location = filepath.Join(a.dir, name)
		repo, err = git.PlainOpen(location)
		if errors.Is(err, git.ErrRepositoryNotExists) {
			a.logger.Debugf("localgit: 初始化仓库 %s", location)
			repo, err = git.PlainInit(location, false)
		}
	}
	if err != nil {
		return fmt.Errorf("localgit: 打开仓库失败: %w", err)
	}
	if err := syncRemote(repo, c.RemoteURL); err != nil {
		return err
	}

	a.mu.Lock()
	a.repo, a.cfg, a.location = repo, c, location
	a.mu.Unlock()
	return nil
}

// syncRemote 让 origin 与配置保持一致；RemoteURL 为空时移除 origin。
func syncRemote(repo *git.Repository, url string) error {
	remote, err := repo.Remote(remoteName)
	switch {
	case errors.Is(err, git.ErrRemoteNotFound):
		if url == "" {
			return nil
		}
	case err != nil:
		return fmt.Errorf("localgit: 读取远端失败: %w", err)
	default:
		urls := remote.Config().URLs
		if len(urls) == 1 && urls[0] == url {
			return nil
		}
		if err := repo.DeleteRemote(remoteName); err != nil {
			return fmt.Errorf("localgit: 删除远端失败: %w", err)
		}
		if url == "" {
			return nil
		}
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{url}})
	if err != nil {
		return coreerrors.Wrap(coreerrors.ErrCodeInvalidConfig, "localgit: 远端地址非法", err)
	}
	return nil
}

func (a *Adapter) IsConfigured() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repo != nil
}

func (a *Adapter) ready() error {
	if a.repo == nil {
		return coreerrors.New(coreerrors.ErrCodeNotInitialized, "localgit: 仓库未打开")
	}
	return nil
}

// headCommit 返回当前 HEAD 提交，空仓库返回 nil。
func (a *Adapter) headCommit() (*object.Commit, error) {
	ref, err := a.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.repo.CommitObject(ref.Hash())
}

func (a *Adapter) headFile(p string) (*object.File, error) {
	head, err := a.headCommit()
	if err != nil || head == nil {
		return nil, err
	}
	f, err := head.File(p)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	return f, err
}

func cleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

func (a *Adapter) GetFile(ctx context.Context, filePath string) (*model.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return nil, err
	}
	p := cleanPath(filePath)
	f, err := a.headFile(p)
	if err != nil {
		return nil, fmt.Errorf("localgit: 读取 %s 失败: %w", p, err)
	}
	if f == nil {
		return nil, nil
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("localgit: 读取 %s 失败: %w", p, err)
	}
	return &model.File{Path: p, Content: content, SHA: f.Hash.String()}, nil
}

// PutFile 写入并提交。版本号即 blob 哈希；内容未变化时不产生新提交。
func (a *Adapter) PutFile(ctx context.Context, filePath, content, message, sha string) (*model.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return nil, err
	}
	p := cleanPath(filePath)
	if p == "" {
		return nil, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "localgit: 路径为空")
	}
	current, err := a.headFile(p)
	if err != nil {
		return nil, fmt.Errorf("localgit: 读取 %s 失败: %w", p, err)
	}
	if sha != "" && (current == nil || current.Hash.String() != sha) {
		return nil, conflict(p, sha, current)
	}
	newSHA := crypto.BlobSHA([]byte(content))
	if current != nil && current.Hash.String() == newSHA {
		return &model.File{Path: p, Content: content, SHA: newSHA}, nil
	}

	wt, err := a.repo.Worktree()
	if err != nil {
		return nil, err
	}
	var touched []string
	if err := stage(wt, p, content, &touched); err != nil {
		a.restore(wt, touched)
		return nil, err
	}
	if message == "" {
		message = "update " + p
	}
	if err := a.commit(wt, message); err != nil {
		a.restore(wt, touched)
		return nil, err
	}
	return &model.File{Path: p, Content: content, SHA: newSHA}, nil
}

// stage 写入并暂存单个文件。路径在写入前记入 touched，失败时调用方据此恢复。
func stage(wt *git.Worktree, p, content string, touched *[]string) error {
	if dir := path.Dir(p); dir != "." {
		if err := wt.Filesystem.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("localgit: 创建目录 %s 失败: %w", dir, err)
		}
	}
	*touched = append(*touched, p)
	if err := util.WriteFile(wt.Filesystem, p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("localgit: 写入 %s 失败: %w", p, err)
	}
	if _, err := wt.Add(p); err != nil {
		return fmt.Errorf("localgit: 暂存 %s 失败: %w", p, err)
	}
	return nil
}

// restore 把 paths 在索引与工作区中的状态恢复为 HEAD 中的版本，HEAD 中没有的直接删除。
// 尽力而为，失败只记录日志。
func (a *Adapter) restore(wt *git.Worktree, paths []string) {
	for _, p := range paths {
		prev, err := a.headFile(p)
		if err != nil {
			a.logger.Errorf("localgit: 恢复 %s 时读取 HEAD 失败: %v", p, err)
			continue
		}
		if prev == nil {
			if _, err := wt.Remove(p); err != nil {
				if rmErr := wt.Filesystem.Remove(p); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
					a.logger.Errorf("localgit: 恢复时删除 %s 失败: %v", p, rmErr)
				}
			}
			continue
		}
		content, err := prev.Contents()
		if err == nil {
			err = util.WriteFile(wt.Filesystem, p, []byte(content), 0o644)
		}
		if err == nil {
			_, err = wt.Add(p)
		}
		if err != nil {
			a.logger.Errorf("localgit: 恢复 %s 失败: %v", p, err)
		}
	}
}

func (a *Adapter) DeleteFile(ctx context.Context, filePath, message, sha string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return err
	}
	p := cleanPath(filePath)
	current, err := a.headFile(p)
	if err != nil {
		return fmt.Errorf("localgit: 读取 %s 失败: %w", p, err)
	}
	if current == nil {
		return coreerrors.Newf(coreerrors.ErrCodeNotFound, "localgit: %s 不存在", p)
	}
	if sha != "" && current.Hash.String() != sha {
		return conflict(p, sha, current)
	}
	wt, err := a.repo.Worktree()
	if err != nil {
		return err
	}
	if _, err := wt.Remove(p); err != nil {
		a.restore(wt, []string{p})
		return fmt.Errorf("localgit: 删除 %s 失败: %w", p, err)
	}
	if message == "" {
		message = "delete " + p
	}
	if err := a.commit(wt, message); err != nil {
		a.restore(wt, []string{p})
		return err
	}
	return nil
}

func (a *Adapter) commit(wt *git.Worktree, message string) error {
	_, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  a.cfg.Author,
			Email: a.cfg.Email,
			When:  a.now(),
		},
	})
	if err != nil {
		return fmt.Errorf("localgit: 提交失败: %w", err)
	}
	return nil
}

// ListFiles 读取 HEAD 树中目录的直接子项。
func (a *Adapter) ListFiles(ctx context.Context, dir string) ([]model.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return nil, err
	}
	entries := []model.Entry{}
	head, err := a.headCommit()
	if err != nil {
		return nil, err
	}
	if head == nil {
		return entries, nil
	}
	tree, err := head.Tree()
	if err != nil {
		return nil, err
	}
	prefix := cleanPath(dir)
	if prefix != "" {
		tree, err = tree.Tree(prefix)
		if errors.Is(err, object.ErrDirectoryNotFound) || errors.Is(err, plumbing.ErrObjectNotFound) || errors.Is(err, object.ErrUnsupportedObject) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		prefix += "/"
	}
	for _, e := range tree.Entries {
		entry := model.Entry{Path: prefix + e.Name, Name: e.Name, SHA: e.Hash.String()}
		if e.Mode == filemode.Dir {
			entry.Type = model.EntryDir
			entry.SHA = ""
		} else {
			entry.Type = model.EntryFile
			if blob, err := a.repo.BlobObject(e.Hash); err == nil {
				entry.Size = blob.Size
			}
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// CheckConnection 本地仓库可读即视为可用。
func (a *Adapter) CheckConnection(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.repo == nil {
		return false
	}
	_, err := a.headCommit()
	return err == nil
}

// GetHistory 返回修改过该文件的提交，最新在前。
func (a *Adapter) GetHistory(ctx context.Context, filePath string, limit int) ([]model.Commit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	commits := []model.Commit{}
	head, err := a.headCommit()
	if err != nil || head == nil {
		return commits, err
	}
	p := cleanPath(filePath)
	iter, err := a.repo.Log(&git.LogOptions{From: head.Hash, FileName: &p})
	if err != nil {
		return nil, fmt.Errorf("localgit: 读取历史失败: %w", err)
	}
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, toCommit(c))
		if len(commits) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("localgit: 读取历史失败: %w", err)
	}
	return commits, nil
}

func toCommit(c *object.Commit) model.Commit {
	return model.Commit{
		SHA:     c.Hash.String(),
		Message: strings.TrimSpace(c.Message),
		Author:  c.Author.Name,
		Email:   c.Author.Email,
		Date:    c.Author.When.UTC(),
	}
}

// ExportData 导出 HEAD 中的全部文件。
func (a *Adapter) ExportData(ctx context.Context) (*model.Bundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return nil, err
	}
	bundle := &model.Bundle{
		Version:    model.BundleVersion,
		Mode:       string(storage.ModeLocalVersioned),
		ExportedAt: a.now().UTC(),
		Files:      []model.File{},
	}
	head, err := a.headCommit()
	if err != nil || head == nil {
		return bundle, err
	}
	files, err := head.Files()
	if err != nil {
		return nil, err
	}
	err = files.ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		bundle.Files = append(bundle.Files, model.File{Path: f.Name, Content: content, SHA: f.Hash.String()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localgit: 导出失败: %w", err)
	}
	sort.Slice(bundle.Files, func(i, j int) bool { return bundle.Files[i].Path < bundle.Files[j].Path })
	return bundle, nil
}

// ImportData 写入数据包中的全部文件并只提交一次。
func (a *Adapter) ImportData(ctx context.Context, bundle *model.Bundle) (int, error) {
	if bundle == nil {
		return 0, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "localgit: 数据包为空")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(); err != nil {
		return 0, err
	}
	for _, f := range bundle.Files {
		if cleanPath(f.Path) == "" {
			return 0, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "localgit: 导入数据包含空路径")
		}
	}
	wt, err := a.repo.Worktree()
	if err != nil {
		return 0, err
	}
	if len(bundle.Files) == 0 {
		return 0, nil
	}
	// 任一步失败都撤回已写入的文件，不留下会被下一次提交带走的暂存内容
	var touched []string
	for _, f := range bundle.Files {
		if err := stage(wt, cleanPath(f.Path), f.Content, &touched); err != nil {
			a.restore(wt, touched)
			return 0, err
		}
	}
	status, err := wt.Status()
	if err != nil {
		a.restore(wt, touched)
		return 0, fmt.Errorf("localgit: 读取工作区状态失败: %w", err)
	}
	if status.IsClean() {
		return len(bundle.Files), nil
	}
	if err := a.commit(wt, fmt.Sprintf("import %d files", len(bundle.Files))); err != nil {
		a.restore(wt, touched)
		return 0, err
	}
	return len(bundle.Files), nil
}

func (a *Adapter) ModeInfo() storage.ModeInfo {
	a.mu.Lock()
	location, ready, remote := a.location, a.repo != nil, a.cfg.RemoteURL
	a.mu.Unlock()
	desc := "笔记保存在本地 git 仓库，每次保存都是一次提交"
	if remote != "" {
		desc += "，origin: " + remote
	}
	return storage.ModeInfo{
		Mode:         storage.ModeLocalVersioned,
		Label:        "本地版本库",
		Description:  desc,
		Configured:   ready,
		Location:     location,
		Security:     "数据以明文保存在本机，提交历史可被任何能读取目录的人查看",
		Offline:      true,
		Capabilities: storage.CapabilitiesOf(a),
	}
}

// Close 释放仓库引用。
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.repo = nil
	return nil
}

func conflict(p, given string, current *object.File) error {
	if current == nil {
		return coreerrors.Newf(coreerrors.ErrCodeConflict, "localgit: %s 不存在，但写入携带了版本 %s", p, given)
	}
	return coreerrors.Newf(coreerrors.ErrCodeConflict, "localgit: %s 当前版本为 %s，写入携带的是 %s", p, current.Hash, given)
}

var (
	_ storage.Adapter         = (*Adapter)(nil)
	_ storage.Exporter        = (*Adapter)(nil)
	_ storage.HistoryProvider = (*Adapter)(nil)
	_ io.Closer               = (*Adapter)(nil)
)
