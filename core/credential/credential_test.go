package credential

import (
	"testing"

	"github.com/dnslin/notevault/core/store"
)

func TestSaveAndGetTokenFreshIV(t *testing.T) {
	prefs := store.NewMemoryPreferences()
	s := NewStore(prefs)

	if err := s.SaveToken("ghp_abc"); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	first, _ := prefs.Get(store.KeyEncryptedToken)
	got, ok := s.GetToken()
	if !ok || got != "ghp_abc" {
		t.Fatalf("首次读取不一致: %q %v", got, ok)
	}

	if err := s.SaveToken("ghp_abc"); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	second, _ := prefs.Get(store.KeyEncryptedToken)
	if first == second {
		t.Fatal("两次加密的信封应不同")
	}
	got, ok = s.GetToken()
	if !ok || got != "ghp_abc" {
		t.Fatalf("再次读取不一致: %q %v", got, ok)
	}
}

func TestGetTokenAcrossInstances(t *testing.T) {
	prefs := store.NewMemoryPreferences()
	if err := NewStore(prefs).SaveToken("ghp_persist"); err != nil {
		t.Fatal(err)
	}
	got, ok := NewStore(prefs).GetToken()
	if !ok || got != "ghp_persist" {
		t.Fatalf("新实例应能读回凭证: %q %v", got, ok)
	}
}

func TestGetTokenEmpty(t *testing.T) {
	s := NewStore(store.NewMemoryPreferences())
	if got, ok := s.GetToken(); ok || got != "" {
		t.Fatalf("未保存时应返回空: %q %v", got, ok)
	}
}

func TestGetTokenCorrupted(t *testing.T) {
	prefs := store.NewMemoryPreferences()
	s := NewStore(prefs)
	if err := s.SaveToken("ghp_abc"); err != nil {
		t.Fatal(err)
	}
	_ = prefs.Set(store.KeyEncryptedToken, `{"iv":"AAAA","ciphertext":"AAAA"}`)
	if got, ok := s.GetToken(); ok || got != "" {
		t.Fatalf("损坏数据应返回空: %q %v", got, ok)
	}
	_ = prefs.Set(store.KeyEncryptedToken, "not json")
	if _, ok := s.GetToken(); ok {
		t.Fatal("非 JSON 信封应返回空")
	}
}

func TestClearAllMakesBlobUnrecoverable(t *testing.T) {
	prefs := store.NewMemoryPreferences()
	s := NewStore(prefs)
	if err := s.SaveToken("ghp_abc"); err != nil {
		t.Fatal(err)
	}
	blob, _ := prefs.Get(store.KeyEncryptedToken)

	if err := s.ClearAll(); err != nil {
		t.Fatalf("清除失败: %v", err)
	}
	if _, err := prefs.Get(store.KeyEncryptionKey); err == nil {
		t.Fatal("ClearAll 应销毁密钥")
	}

	_ = prefs.Set(store.KeyEncryptedToken, blob)
	if got, ok := s.GetToken(); ok || got != "" {
		t.Fatalf("密钥销毁后旧密文不应可解: %q %v", got, ok)
	}

	// 之后重新保存会生成新密钥，旧密文依然不可解
	if err := s.SaveToken("ghp_new"); err != nil {
		t.Fatal(err)
	}
	_ = prefs.Set(store.KeyEncryptedToken, blob)
	if _, ok := s.GetToken(); ok {
		t.Fatal("新密钥不应解开旧密文")
	}
}

func TestRemoveTokenKeepsKey(t *testing.T) {
	prefs := store.NewMemoryPreferences()
	s := NewStore(prefs)
	if err := s.SaveToken("ghp_abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveToken(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetToken(); ok {
		t.Fatal("删除后不应再读到凭证")
	}
	if _, err := prefs.Get(store.KeyEncryptionKey); err != nil {
		t.Fatal("RemoveToken 不应销毁密钥")
	}
}

func TestSaveEmptyToken(t *testing.T) {
	if err := NewStore(store.NewMemoryPreferences()).SaveToken(""); err == nil {
		t.Fatal("空 token 应返回错误")
	}
}
