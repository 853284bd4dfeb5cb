package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnslin/notevault/core/crypto"
	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/storage"
)

const testToken = "ghp_test"

// fakeGitHub 最小化的 contents API 实现，sha 语义与 GitHub 一致。
type fakeGitHub struct {
	mu          sync.Mutex
	files       map[string]string
	gets        int
	puts        int
	failCommits bool
	token       string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{files: make(map[string]string), token: testToken}
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return
	}
	const prefix = "/repos/acme/notes"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	switch {
	case rest == "":
		writeJSON(w, http.StatusOK, repoResponse{FullName: "acme/notes", DefaultBranch: "main"})
	case rest == "/commits":
		if f.failCommits {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
			return
		}
		var c commitItem
		c.SHA = "c0ffee"
		c.Commit.Message = "init"
		c.Commit.Author.Name = "octocat"
		c.Commit.Author.Date = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		writeJSON(w, http.StatusOK, []commitItem{c})
	case rest == "/contents" || strings.HasPrefix(rest, "/contents/"):
		p := strings.TrimPrefix(strings.TrimPrefix(rest, "/contents"), "/")
		f.contents(w, r, p)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (f *fakeGitHub) contents(w http.ResponseWriter, r *http.Request, p string) {
	switch r.Method {
	case http.MethodGet:
		f.gets++
		if r.URL.Query().Get("ref") != "main" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No commit found for the ref"})
			return
		}
		if content, ok := f.files[p]; ok {
			writeJSON(w, http.StatusOK, contentItem{
				Type: "file", Name: p[strings.LastIndex(p, "/")+1:], Path: p,
				SHA: crypto.BlobSHA([]byte(content)), Size: int64(len(content)),
				Content: wrap60(base64.StdEncoding.EncodeToString([]byte(content))), Encoding: "base64",
			})
			return
		}
		items := f.children(p)
		if len(items) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPut:
		f.puts++
		var body putRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		current, exists := f.files[p]
		switch {
		case exists && body.SHA == "":
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": `Invalid request. "sha" wasn't supplied.`})
			return
		case exists && body.SHA != crypto.BlobSHA([]byte(current)):
			writeJSON(w, http.StatusConflict, map[string]string{"message": p + " does not match " + body.SHA})
			return
		case !exists && body.SHA != "":
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "sha does not match"})
			return
		}
		data, _ := base64.StdEncoding.DecodeString(body.Content)
		f.files[p] = string(data)
		status := http.StatusOK
		if !exists {
			status = http.StatusCreated
		}
		var rsp writeResponse
		rsp.Content = &contentItem{Type: "file", Path: p, SHA: crypto.BlobSHA(data)}
		rsp.Commit.SHA = "commit-" + crypto.BlobSHA(data)[:7]
		writeJSON(w, status, rsp)
	case http.MethodDelete:
		var body deleteRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		current, exists := f.files[p]
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		if body.SHA != crypto.BlobSHA([]byte(current)) {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "sha does not match"})
			return
		}
		delete(f.files, p)
		writeJSON(w, http.StatusOK, map[string]any{"content": nil})
	}
}

func (f *fakeGitHub) children(dir string) []contentItem {
	seen := map[string]contentItem{}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	for p, content := range f.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			seen[name] = contentItem{Type: "dir", Name: name, Path: prefix + name}
			continue
		}
		seen[rest] = contentItem{Type: "file", Name: rest, Path: p, SHA: crypto.BlobSHA([]byte(content))}
	}
	items := make([]contentItem, 0, len(seen))
	for _, it := range seen {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items
}

func (f *fakeGitHub) set(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = content
}

func (f *fakeGitHub) counts() (gets, puts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.puts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func wrap60(s string) string {
	var b strings.Builder
	for len(s) > 60 {
		b.WriteString(s[:60])
		b.WriteString("\n")
		s = s[60:]
	}
	b.WriteString(s)
	return b.String()
}

type memCreds struct {
	token   string
	saved   int
	removed int
}

func (m *memCreds) SaveToken(token string) error { m.token = token; m.saved++; return nil }
func (m *memCreds) GetToken() (string, bool)     { return m.token, m.token != "" }
func (m *memCreds) RemoveToken() error           { m.token = ""; m.removed++; return nil }

type staticSession struct {
	token   string
	err     error
	logouts int
}

func (s *staticSession) GetToken(context.Context) (string, error) { return s.token, s.err }
func (s *staticSession) Logout(context.Context) error            { s.logouts++; return nil }

func newTokenAdapter(t *testing.T, fake *fakeGitHub) (*Adapter, *memCreds) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	creds := &memCreds{}
	a := NewTokenAdapter(creds, WithBaseURL(srv.URL))
	cfg := storage.TokenConfig{Token: testToken, Owner: "acme", Repo: "notes", Branch: "main"}
	if err := a.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	return a, creds
}

func TestGetFileAbsentReturnsNil(t *testing.T) {
	a, _ := newTokenAdapter(t, newFakeGitHub())
	f, err := a.GetFile(context.Background(), "pages/missing.md")
	if err != nil || f != nil {
		t.Fatalf("不存在的文件应返回 nil, nil，实际 %+v %v", f, err)
	}
	entries, err := a.ListFiles(context.Background(), "no-such-dir")
	if err != nil {
		t.Fatalf("不存在的目录不应报错: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("不存在的目录应返回空切片，实际 %#v", entries)
	}
}

func TestPutWithoutSHAUsesCache(t *testing.T) {
	fake := newFakeGitHub()
	a, _ := newTokenAdapter(t, fake)
	ctx := context.Background()

	first, err := a.PutFile(ctx, "journals/2024_01_01.md", "# Hello", "init", "")
	if err != nil {
		t.Fatalf("首次写入失败: %v", err)
	}
	if first.SHA == "" {
		t.Fatal("写入后应返回版本号")
	}
	getsBefore, _ := fake.counts()

	second, err := a.PutFile(ctx, "journals/2024_01_01.md", "# Hello again", "edit", "")
	if err != nil {
		t.Fatalf("省略 sha 的第二次写入应成功: %v", err)
	}
	if second.SHA == first.SHA {
		t.Fatal("内容变化后版本号应变化")
	}
	if gets, _ := fake.counts(); gets != getsBefore {
		t.Fatalf("缓存命中时不应再查询文件，GET 次数 %d -> %d", getsBefore, gets)
	}

	got, err := a.GetFile(ctx, "journals/2024_01_01.md")
	if err != nil || got == nil || got.Content != "# Hello again" || got.SHA != second.SHA {
		t.Fatalf("读回不一致: %+v %v", got, err)
	}
}

func TestStaleSHAConflict(t *testing.T) {
	fake := newFakeGitHub()
	fake.set("pages/shared.md", "v0")
	a, _ := newTokenAdapter(t, fake)
	ctx := context.Background()

	editorA, err := a.GetFile(ctx, "pages/shared.md")
	if err != nil || editorA == nil {
		t.Fatalf("读取失败: %v", err)
	}
	editorB, _ := a.GetFile(ctx, "pages/shared.md")

	if _, err := a.PutFile(ctx, "pages/shared.md", "from B", "b", editorB.SHA); err != nil {
		t.Fatalf("B 写入失败: %v", err)
	}
	_, err = a.PutFile(ctx, "pages/shared.md", "from A", "a", editorA.SHA)
	if !coreerrors.IsConflict(err) {
		t.Fatalf("过期 sha 应返回冲突，实际 %v", err)
	}
	var ec *httpclient.ErrCode
	if !errors.As(err, &ec) || ec.Status != http.StatusConflict || !strings.Contains(ec.Message, "does not match") {
		t.Fatalf("应保留上游冲突信息，实际 %v", err)
	}
	got, _ := a.GetFile(ctx, "pages/shared.md")
	if got.Content != "from B" {
		t.Fatalf("冲突写入不应覆盖，实际 %q", got.Content)
	}
}

func TestCachedSHAConflictEvicts(t *testing.T) {
	fake := newFakeGitHub()
	a, _ := newTokenAdapter(t, fake)
	ctx := context.Background()

	if _, err := a.PutFile(ctx, "a.md", "mine", "init", ""); err != nil {
		t.Fatal(err)
	}
	fake.set("a.md", "someone else")

	_, err := a.PutFile(ctx, "a.md", "mine v2", "edit", "")
	if !coreerrors.IsConflict(err) {
		t.Fatalf("缓存的 sha 过期应返回冲突，实际 %v", err)
	}
	if _, ok := a.cached("a.md"); ok {
		t.Fatal("冲突后应移除缓存")
	}
	if _, err := a.PutFile(ctx, "a.md", "mine v3", "edit", ""); err != nil {
		t.Fatalf("缓存移除后应实时查询 sha 并成功: %v", err)
	}
}

func TestUTF8RoundTrip(t *testing.T) {
	a, _ := newTokenAdapter(t, newFakeGitHub())
	ctx := context.Background()
	content := strings.Repeat("中文笔记 ✓ émoji 🎉\n", 20)
	if _, err := a.PutFile(ctx, "pages/多字节.md", content, "utf8", ""); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	got, err := a.GetFile(ctx, "pages/多字节.md")
	if err != nil || got == nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.Content != content {
		t.Fatal("多字节内容往返后不一致")
	}
}

func TestDeleteFile(t *testing.T) {
	fake := newFakeGitHub()
	a, _ := newTokenAdapter(t, fake)
	ctx := context.Background()

	if err := a.DeleteFile(ctx, "ghost.md", "rm", ""); !coreerrors.IsNotFound(err) {
		t.Fatalf("删除不存在的文件应返回 NOT_FOUND，实际 %v", err)
	}
	if _, err := a.PutFile(ctx, "gone.md", "bye", "init", ""); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteFile(ctx, "gone.md", "rm", ""); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if f, _ := a.GetFile(ctx, "gone.md"); f != nil {
		t.Fatal("删除后应不存在")
	}
	if _, err := a.PutFile(ctx, "gone.md", "back", "recreate", ""); err != nil {
		t.Fatalf("删除后应可重新创建（缓存已清除）: %v", err)
	}
}

func TestListFiles(t *testing.T) {
	fake := newFakeGitHub()
	fake.set("journals/2024_01_01.md", "a")
	fake.set("journals/2024_01_02.md", "b")
	fake.set("pages/x.md", "c")
	a, _ := newTokenAdapter(t, fake)

	root, err := a.ListFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("列出根目录失败: %v", err)
	}
	if len(root) != 2 || !root[0].IsDir() || root[0].Name != "journals" {
		t.Fatalf("根目录列表错误: %+v", root)
	}
	journals, err := a.ListFiles(context.Background(), "journals")
	if err != nil || len(journals) != 2 {
		t.Fatalf("目录列表错误: %+v %v", journals, err)
	}
	if journals[0].Path != "journals/2024_01_01.md" || journals[0].SHA == "" {
		t.Fatalf("条目字段错误: %+v", journals[0])
	}
}

func TestTransportErrorKeepsUpstreamMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "API rate limit exceeded"})
	}))
	defer srv.Close()
	a := NewTokenAdapter(&memCreds{}, WithBaseURL(srv.URL))
	_ = a.Configure(context.Background(), storage.TokenConfig{Token: "x", Owner: "acme", Repo: "notes"})

	_, err := a.GetFile(context.Background(), "a.md")
	if coreerrors.CodeOf(err) != coreerrors.ErrCodeTransport {
		t.Fatalf("应为 TRANSPORT 错误，实际 %v", err)
	}
	if !strings.Contains(err.Error(), "API rate limit exceeded") {
		t.Fatalf("应保留上游信息，实际 %v", err)
	}
}

func TestUnauthorizedIsAuthError(t *testing.T) {
	fake := newFakeGitHub()
	fake.token = "other"
	a, _ := newTokenAdapter(t, fake)
	_, err := a.PutFile(context.Background(), "a.md", "x", "m", "abc")
	if !coreerrors.IsUnauthenticated(err) {
		t.Fatalf("401 应映射为认证错误，实际 %v", err)
	}
	if a.CheckConnection(context.Background()) {
		t.Fatal("凭证无效时连接检查应返回 false")
	}
}

func TestTokenConfigureUsesCredentialStore(t *testing.T) {
	fake := newFakeGitHub()
	a, creds := newTokenAdapter(t, fake)
	if creds.saved != 1 || creds.token != testToken {
		t.Fatal("配置令牌应交给凭证存储保存")
	}
	if !a.IsConfigured() || !a.CheckConnection(context.Background()) {
		t.Fatal("配置后应可用")
	}

	reloaded := NewTokenAdapter(creds, WithBaseURL(a.api.baseURL))
	if err := reloaded.Configure(context.Background(), storage.TokenConfig{Owner: "acme", Repo: "notes"}); err != nil {
		t.Fatal(err)
	}
	if !reloaded.IsConfigured() {
		t.Fatal("未提供令牌时应从凭证存储读回")
	}
	if reloaded.ModeInfo().Location != "acme/notes@main" {
		t.Fatalf("默认分支应为 main，实际 %s", reloaded.ModeInfo().Location)
	}

	empty := NewTokenAdapter(&memCreds{})
	_ = empty.Configure(context.Background(), storage.TokenConfig{Owner: "acme", Repo: "notes"})
	if empty.IsConfigured() {
		t.Fatal("没有令牌时不应视为已配置")
	}
	if _, err := empty.GetToken(context.Background()); !coreerrors.IsUnauthenticated(err) {
		t.Fatalf("没有令牌应返回认证错误，实际 %v", err)
	}

	if err := a.Deactivate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if creds.removed != 1 || a.IsConfigured() {
		t.Fatal("离开令牌模式应删除令牌")
	}
}

func TestConfigureRejectsOtherModes(t *testing.T) {
	a := NewTokenAdapter(&memCreds{})
	err := a.Configure(context.Background(), storage.DelegatedConfig{Owner: "acme", Repo: "notes"})
	if coreerrors.CodeOf(err) != coreerrors.ErrCodeInvalidConfig {
		t.Fatalf("错误的配置类型应被拒绝，实际 %v", err)
	}
	if err := a.Configure(context.Background(), storage.TokenConfig{Token: "x", Repo: "notes"}); err == nil {
		t.Fatal("缺少 owner 应被拒绝")
	}
}

func TestDelegatedModeUsesSession(t *testing.T) {
	fake := newFakeGitHub()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	session := &staticSession{token: testToken}
	a := NewDelegatedAdapter(session, WithBaseURL(srv.URL))
	if err := a.Configure(context.Background(), storage.DelegatedConfig{Owner: "acme", Repo: "notes"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.PutFile(context.Background(), "a.md", "hi", "m", ""); err != nil {
		t.Fatalf("委托模式写入失败: %v", err)
	}

	session.token, session.err = "", coreerrors.New(coreerrors.ErrCodeUnauthenticated, "auth: 会话已过期")
	if _, err := a.GetFile(context.Background(), "a.md"); !coreerrors.IsUnauthenticated(err) {
		t.Fatalf("会话失效应返回认证错误，实际 %v", err)
	}
	if err := a.Deactivate(context.Background()); err != nil || session.logouts != 1 {
		t.Fatal("离开委托模式应登出")
	}
}

func TestGetCommits(t *testing.T) {
	fake := newFakeGitHub()
	a, _ := newTokenAdapter(t, fake)
	commits, err := a.GetCommits(context.Background(), 5)
	if err != nil || len(commits) != 1 || commits[0].SHA != "c0ffee" || commits[0].Author != "octocat" {
		t.Fatalf("提交列表错误: %+v %v", commits, err)
	}

	fake.mu.Lock()
	fake.failCommits = true
	fake.mu.Unlock()
	commits, err = a.GetCommits(context.Background(), 5)
	if err != nil || commits == nil || len(commits) != 0 {
		t.Fatalf("失败时应返回空列表，实际 %+v %v", commits, err)
	}
}

func TestGetFileOnDirectory(t *testing.T) {
	fake := newFakeGitHub()
	fake.set("journals/a.md", "x")
	a, _ := newTokenAdapter(t, fake)
	if _, err := a.GetFile(context.Background(), "journals"); err == nil {
		t.Fatal("读取目录应返回错误")
	}
}
