package auth

import coreerrors "github.com/dnslin/notevault/core/errors"

var (
	// ErrNotAuthenticated 未持有可用令牌，需要重新登录。
	ErrNotAuthenticated = coreerrors.New(coreerrors.ErrCodeUnauthenticated, "auth: 未登录")
	// ErrStateMismatch 回调携带的 state 与发起登录时不一致。
	ErrStateMismatch = coreerrors.New(coreerrors.ErrCodeSecurity, "auth: state 校验失败")
	// ErrNoPendingLogin 回调时不存在待完成的登录。
	ErrNoPendingLogin = coreerrors.New(coreerrors.ErrCodeSecurity, "auth: 没有待完成的登录请求")
	// ErrCodeEmpty 回调缺少授权码。
	ErrCodeEmpty = coreerrors.New(coreerrors.ErrCodeInvalidArgument, "auth: 授权码为空")
	// ErrBaseURLEmpty 未配置中转服务地址。
	ErrBaseURLEmpty = coreerrors.New(coreerrors.ErrCodeInvalidConfig, "auth: 中转服务地址未设置")
)
