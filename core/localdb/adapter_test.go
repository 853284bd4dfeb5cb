package localdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnslin/notevault/core/crypto"
	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/model"
	"github.com/dnslin/notevault/core/storage"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := NewAdapter(WithDataDir(t.TempDir()))
	require.NoError(t, a.Configure(context.Background(), storage.LocalDBConfig{Name: "test"}))
	t.Cleanup(func() { a.Close() })
	return a
}

func TestConfigureCreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	a := NewAdapter(WithDataDir(dir))
	assert.False(t, a.IsConfigured())

	require.NoError(t, a.Configure(context.Background(), storage.LocalDBConfig{}))
	defer a.Close()

	assert.True(t, a.IsConfigured())
	assert.True(t, a.CheckConnection(context.Background()))
	_, err := os.Stat(filepath.Join(dir, DefaultName+".db"))
	require.NoError(t, err)

	info := a.ModeInfo()
	assert.True(t, info.Offline)
	assert.True(t, info.Has(storage.CapExport))
	assert.True(t, info.Has(storage.CapHistory))
	assert.False(t, info.Has(storage.CapCommits))
}

func TestConfigureRejectsBadInput(t *testing.T) {
	a := NewAdapter(WithDataDir(t.TempDir()))
	err := a.Configure(context.Background(), storage.LocalDBConfig{Name: "../escape"})
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeInvalidConfig, coreerrors.CodeOf(err))

	err = a.Configure(context.Background(), storage.DelegatedConfig{Owner: "acme", Repo: "notes"})
	require.Error(t, err)
	assert.False(t, a.IsConfigured())
}

func TestOperationsBeforeConfigure(t *testing.T) {
	a := NewAdapter(WithDataDir(t.TempDir()))
	_, err := a.GetFile(context.Background(), "a.md")
	assert.True(t, coreerrors.IsNotInitialized(err))
	assert.False(t, a.CheckConnection(context.Background()))
	assert.NoError(t, a.Close())
}

func TestPutGetRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	missing, err := a.GetFile(ctx, "journals/2024-01-01.md")
	require.NoError(t, err)
	assert.Nil(t, missing)

	content := "# 日记\n\n今天天气不错 ☀️\n"
	put, err := a.PutFile(ctx, "journals/2024-01-01.md", content, "create", "")
	require.NoError(t, err)
	assert.Equal(t, crypto.BlobSHA([]byte(content)), put.SHA)

	got, err := a.GetFile(ctx, "/journals/2024-01-01.md")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, put.SHA, got.SHA)
}

func TestPutWithStaleSHAConflicts(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	first, err := a.PutFile(ctx, "a.md", "v1", "", "")
	require.NoError(t, err)
	second, err := a.PutFile(ctx, "a.md", "v2", "", first.SHA)
	require.NoError(t, err)

	_, err = a.PutFile(ctx, "a.md", "v3", "", first.SHA)
	require.Error(t, err)
	assert.True(t, coreerrors.IsConflict(err))

	got, err := a.GetFile(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, second.SHA, got.SHA)

	_, err = a.PutFile(ctx, "new.md", "x", "", "deadbeef")
	assert.True(t, coreerrors.IsConflict(err))

	// 不带 sha 时后写者胜
	_, err = a.PutFile(ctx, "a.md", "v4", "", "")
	require.NoError(t, err)
}

func TestConcurrentWritersWithSameSHA(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		cur, err := a.PutFile(ctx, "n.md", fmt.Sprintf("base-%d", round), "", "")
		require.NoError(t, err)

		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = a.PutFile(ctx, "n.md", fmt.Sprintf("r%d-w%d", round, i), "", cur.SHA)
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.Truef(t, coreerrors.IsConflict(err), "第 %d 轮出现非冲突错误: %v", round, err)
		}
		require.Equalf(t, 1, ok, "第 %d 轮应恰有一个写入成功", round)
	}
}

func TestDeleteFile(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	put, err := a.PutFile(ctx, "a.md", "hello", "", "")
	require.NoError(t, err)

	err = a.DeleteFile(ctx, "a.md", "", "wrong")
	assert.True(t, coreerrors.IsConflict(err))

	require.NoError(t, a.DeleteFile(ctx, "a.md", "remove", put.SHA))
	got, err := a.GetFile(ctx, "a.md")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = a.DeleteFile(ctx, "a.md", "", "")
	assert.True(t, coreerrors.IsNotFound(err))
}

func TestListFiles(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	for _, p := range []string{"index.md", "journals/a.md", "journals/b.md", "journals/2024/c.md", "pages/x_y.md", "pagesX.md"} {
		_, err := a.PutFile(ctx, p, "content of "+p, "", "")
		require.NoError(t, err)
	}

	root, err := a.ListFiles(ctx, "")
	require.NoError(t, err)
	var names []string
	for _, e := range root {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"index.md", "journals", "pages", "pagesX.md"}, names)

	journals, err := a.ListFiles(ctx, "journals")
	require.NoError(t, err)
	require.Len(t, journals, 3)
	assert.Equal(t, model.EntryDir, journals[0].Type)
	assert.Equal(t, "journals/2024", journals[0].Path)
	assert.Equal(t, "journals/a.md", journals[1].Path)
	assert.Equal(t, int64(len("content of journals/a.md")), journals[1].Size)

	pages, err := a.ListFiles(ctx, "pages")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "x_y.md", pages[0].Name)

	empty, err := a.ListFiles(ctx, "nope")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestHistoryNewestFirst(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	a.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	_, err := a.PutFile(ctx, "a.md", "v1", "first", "")
	require.NoError(t, err)
	_, err = a.PutFile(ctx, "a.md", "v2", "second", "")
	require.NoError(t, err)
	_, err = a.PutFile(ctx, "b.md", "other", "unrelated", "")
	require.NoError(t, err)
	require.NoError(t, a.DeleteFile(ctx, "a.md", "", ""))

	history, err := a.GetHistory(ctx, "a.md", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "delete", history[0].Message)
	assert.Equal(t, "second", history[1].Message)
	assert.Equal(t, "first", history[2].Message)
	assert.True(t, history[1].Date.After(history[2].Date))

	limited, err := a.GetHistory(ctx, "a.md", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestExportImport(t *testing.T) {
	src := newTestAdapter(t)
	ctx := context.Background()
	_, err := src.PutFile(ctx, "a.md", "alpha", "", "")
	require.NoError(t, err)
	_, err = src.PutFile(ctx, "dir/b.md", "beta", "", "")
	require.NoError(t, err)

	bundle, err := src.ExportData(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BundleVersion, bundle.Version)
	assert.Equal(t, string(storage.ModeLocalDB), bundle.Mode)
	require.Len(t, bundle.Files, 2)

	dst := newTestAdapter(t)
	_, err = dst.PutFile(ctx, "a.md", "stale", "", "")
	require.NoError(t, err)
	n, err := dst.ImportData(ctx, bundle)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := dst.GetFile(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Content)

	_, err = dst.ImportData(ctx, &model.Bundle{Files: []model.File{{Path: "ok.md"}, {Path: ""}}})
	require.Error(t, err)
	ok, err := dst.GetFile(ctx, "ok.md")
	require.NoError(t, err)
	assert.Nil(t, ok, "导入失败时整个事务应回滚")
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := NewAdapter(WithDataDir(dir))
	require.NoError(t, a.Configure(ctx, storage.LocalDBConfig{Name: "notes"}))
	_, err := a.PutFile(ctx, "a.md", "persisted", "", "")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := NewAdapter(WithDataDir(dir))
	require.NoError(t, b.Configure(ctx, storage.LocalDBConfig{Name: "notes"}))
	defer b.Close()
	got, err := b.GetFile(ctx, "a.md")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", got.Content)
}
