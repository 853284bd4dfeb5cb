// Package localdb 把笔记保存在本机 SQLite 数据库中，完全离线可用。
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dnslin/notevault/core/crypto"
	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/model"
	"github.com/dnslin/notevault/core/storage"
)

// DefaultName 未指定数据库名时使用。
const DefaultName = "notevault"

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Adapter 基于 SQLite 的本地存储。版本号为内容的 git blob 摘要。
type Adapter struct {
	dir    string
	now    func() time.Time
	logger httpclient.Logger

	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Option 配置 Adapter。
type Option func(*Adapter)

// WithDataDir 设置数据库文件所在目录。
func WithDataDir(dir string) Option {
	return func(a *Adapter) {
		a.dir = dir
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

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdapter 创建未配置的本地数据库适配器。
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

func (a *Adapter) Mode() storage.Mode { return storage.ModeLocalDB }

// Configure 打开（必要时创建）数据库并执行迁移。
func (a *Adapter) Configure(ctx context.Context, cfg storage.Config) error {
	c, ok := cfg.(storage.LocalDBConfig)
	if !ok {
		return coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "localdb: 不接受 %s 配置", cfg.Mode())
	}
	name := c.Name
	if name == "" {
		name = DefaultName
	}
	if !validName.MatchString(name) {
		return coreerrors.Newf(coreerrors.ErrCodeInvalidConfig, "localdb: 数据库名 %q 非法", name)
	}
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("localdb: 创建目录失败: %w", err)
	}
	dbPath := filepath.Join(a.dir, name+".db")
	// 写事务以 BEGIN IMMEDIATE 开始，并发写者在 busy_timeout 内排队，之后重新读取 sha
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return fmt.Errorf("localdb: 打开数据库失败: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("localdb: 数据库不可用: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return err
	}

	a.mu.Lock()
	old := a.db
	a.db, a.dbPath = db, dbPath
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	a.logger.Debugf("localdb: 已打开 %s", dbPath)
	return nil
}

func (a *Adapter) IsConfigured() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.db != nil
}

func (a *Adapter) conn() (*sql.DB, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, coreerrors.New(coreerrors.ErrCodeNotInitialized, "localdb: 数据库未打开")
	}
	return a.db, nil
}

func cleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

func (a *Adapter) GetFile(ctx context.Context, filePath string) (*model.File, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	p := cleanPath(filePath)
	f := &model.File{Path: p}
	err = db.QueryRowContext(ctx, "SELECT content, sha FROM files WHERE path = ?", p).Scan(&f.Content, &f.SHA)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localdb: 读取 %s 失败: %w", p, err)
	}
	return f, nil
}

// PutFile 携带 sha 时必须与当前版本一致，否则返回冲突；不带 sha 时后写者胜。
func (a *Adapter) PutFile(ctx context.Context, filePath, content, message, sha string) (*model.File, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	p := cleanPath(filePath)
	if p == "" {
		return nil, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "localdb: 路径为空")
	}
	newSHA := crypto.BlobSHA([]byte(content))
	err = a.inTx(ctx, db, func(tx *sql.Tx) error {
		current, exists, err := currentSHA(ctx, tx, p)
		if err != nil {
			return err
		}
		if sha != "" && (!exists || current != sha) {
			return conflict(p, sha, current)
		}
		now := a.now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO files (path, content, sha, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET content = excluded.content, sha = excluded.sha, updated_at = excluded.updated_at`,
			p, content, newSHA, now); err != nil {
			return err
		}
		return addRevision(ctx, tx, p, newSHA, "put", message, now)
	})
	if err != nil {
		return nil, wrap("写入", p, err)
	}
	return &model.File{Path: p, Content: content, SHA: newSHA}, nil
}

func (a *Adapter) DeleteFile(ctx context.Context, filePath, message, sha string) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	p := cleanPath(filePath)
	err = a.inTx(ctx, db, func(tx *sql.Tx) error {
		current, exists, err := currentSHA(ctx, tx, p)
		if err != nil {
			return err
		}
		if !exists {
			return coreerrors.Newf(coreerrors.ErrCodeNotFound, "localdb: %s 不存在", p)
		}
		if sha != "" && current != sha {
			return conflict(p, sha, current)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", p); err != nil {
			return err
		}
		return addRevision(ctx, tx, p, current, "delete", message, a.now().UnixMilli())
	})
	return wrap("删除", p, err)
}

// ListFiles 返回目录下的直接子项，目录按路径前缀推导。
// LIKE 对 ASCII 不区分大小写，结果再按前缀精确过滤。
func (a *Adapter) ListFiles(ctx context.Context, dir string) ([]model.Entry, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	prefix := cleanPath(dir)
	if prefix != "" {
		prefix += "/"
	}
	rows, err := db.QueryContext(ctx,
		`SELECT path, sha, length(CAST(content AS BLOB)) FROM files WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("localdb: 列目录失败: %w", err)
	}
	defer rows.Close()

	entries := []model.Entry{}
	dirs := map[string]bool{}
	for rows.Next() {
		var (
			p    string
			sha  string
			size int64
		)
		if err := rows.Scan(&p, &sha, &size); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			if !dirs[name] {
				dirs[name] = true
				entries = append(entries, model.Entry{Path: prefix + name, Name: name, Type: model.EntryDir})
			}
			continue
		}
		entries = append(entries, model.Entry{Path: p, Name: path.Base(p), Type: model.EntryFile, SHA: sha, Size: size})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// CheckConnection 对数据库执行 Ping，最多等待 5 秒。
func (a *Adapter) CheckConnection(ctx context.Context) bool {
	db, err := a.conn()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx) == nil
}

// GetHistory 返回单个文件的修订记录，最新在前。
func (a *Adapter) GetHistory(ctx context.Context, filePath string, limit int) ([]model.Commit, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		"SELECT id, sha, op, COALESCE(message, ''), created_at FROM revisions WHERE path = ? ORDER BY id DESC LIMIT ?",
		cleanPath(filePath), limit)
	if err != nil {
		return nil, fmt.Errorf("localdb: 查询历史失败: %w", err)
	}
	defer rows.Close()
	commits := []model.Commit{}
	for rows.Next() {
		var (
			id      int64
			sha, op string
			msg     string
			created int64
		)
		if err := rows.Scan(&id, &sha, &op, &msg, &created); err != nil {
			return nil, err
		}
		if msg == "" {
			msg = op
		}
		commits = append(commits, model.Commit{
			SHA:     sha,
			Message: msg,
			Author:  "local",
			Date:    time.UnixMilli(created).UTC(),
			URL:     fmt.Sprintf("revision:%d", id),
		})
	}
	return commits, rows.Err()
}

// ExportData 导出全部文件。
func (a *Adapter) ExportData(ctx context.Context) (*model.Bundle, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT path, content, sha FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("localdb: 导出失败: %w", err)
	}
	defer rows.Close()
	bundle := &model.Bundle{
		Version:    model.BundleVersion,
		Mode:       string(storage.ModeLocalDB),
		ExportedAt: a.now().UTC(),
		Files:      []model.File{},
	}
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.Path, &f.Content, &f.SHA); err != nil {
			return nil, err
		}
		bundle.Files = append(bundle.Files, f)
	}
	return bundle, rows.Err()
}

// ImportData 在单个事务中写入数据包中的全部文件，已存在的文件被覆盖。
func (a *Adapter) ImportData(ctx context.Context, bundle *model.Bundle) (int, error) {
	db, err := a.conn()
	if err != nil {
		return 0, err
	}
	if bundle == nil {
		return 0, coreerrors.New(coreerrors.ErrCodeInvalidArgument, "localdb: 数据包为空")
	}
	count := 0
	err = a.inTx(ctx, db, func(tx *sql.Tx) error {
		now := a.now().UnixMilli()
		for _, f := range bundle.Files {
			p := cleanPath(f.Path)
			if p == "" {
				return coreerrors.New(coreerrors.ErrCodeInvalidArgument, "localdb: 导入数据包含空路径")
			}
			sha := crypto.BlobSHA([]byte(f.Content))
			if _, err := tx.ExecContext(ctx, `
INSERT INTO files (path, content, sha, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET content = excluded.content, sha = excluded.sha, updated_at = excluded.updated_at`,
				p, f.Content, sha, now); err != nil {
				return err
			}
			if err := addRevision(ctx, tx, p, sha, "import", "import", now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, wrap("导入", "", err)
	}
	return count, nil
}

func (a *Adapter) ModeInfo() storage.ModeInfo {
	a.mu.RLock()
	dbPath, ready := a.dbPath, a.db != nil
	a.mu.RUnlock()
	return storage.ModeInfo{
		Mode:         storage.ModeLocalDB,
		Label:        "本地数据库",
		Description:  "笔记保存在本机 SQLite 数据库，完全离线",
		Configured:   ready,
		Location:     dbPath,
		Security:     "数据以明文保存在本机，依赖操作系统的文件权限",
		Offline:      true,
		Capabilities: storage.CapabilitiesOf(a),
	}
}

// Close 关闭数据库连接。
func (a *Adapter) Close() error {
	a.mu.Lock()
	db := a.db
	a.db = nil
	a.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (a *Adapter) inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func currentSHA(ctx context.Context, tx *sql.Tx, p string) (string, bool, error) {
	var sha string
	err := tx.QueryRowContext(ctx, "SELECT sha FROM files WHERE path = ?", p).Scan(&sha)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sha, true, nil
}

func addRevision(ctx context.Context, tx *sql.Tx, p, sha, op, message string, at int64) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO revisions (path, sha, op, message, created_at) VALUES (?, ?, ?, ?, ?)",
		p, sha, op, message, at)
	return err
}

func conflict(p, given, current string) error {
	if current == "" {
		return coreerrors.Newf(coreerrors.ErrCodeConflict, "localdb: %s 不存在，但写入携带了版本 %s", p, given)
	}
	return coreerrors.Newf(coreerrors.ErrCodeConflict, "localdb: %s 当前版本为 %s，写入携带的是 %s", p, current, given)
}

func wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var ce *coreerrors.CoreError
	if errors.As(err, &ce) {
		return err
	}
	return fmt.Errorf("localdb: %s %s 失败: %w", op, p, err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var (
	_ storage.Adapter         = (*Adapter)(nil)
	_ storage.Exporter        = (*Adapter)(nil)
	_ storage.HistoryProvider = (*Adapter)(nil)
)
