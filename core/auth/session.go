package auth

import "time"

// State 委托授权会话状态。
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePending         State = "pending"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
)

// RenewWindow 距过期不足该时长时 GetToken 会先续期。
const RenewWindow = 5 * time.Minute

// Session 记录当前的短期访问令牌，只存在于内存中。
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Expired 判断会话是否过期。
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	return !now.Before(s.ExpiresAt)
}

// NeedsRenewal 判断是否已进入续期窗口。
func (s *Session) NeedsRenewal(now time.Time, window time.Duration) bool {
	if s == nil {
		return true
	}
	return !now.Add(window).Before(s.ExpiresAt)
}

// Clone 返回会话的浅拷贝，避免直接暴露内部指针。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// pendingLogin 会话级存储中的登录发起记录，state 只能使用一次。
type pendingLogin struct {
	State       string    `json:"state"`
	RedirectURI string    `json:"redirectUri,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
