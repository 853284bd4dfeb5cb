package errors

import (
	stderrors "errors"
	"fmt"
)

// Code 代表核心业务的错误类型。
type Code string

const (
	// ErrCodeUnknown 表示未知或未分类错误。
	ErrCodeUnknown Code = "UNKNOWN"
	// ErrCodeNotFound 表示目标不存在。
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeInvalidArgument 表示输入参数非法或缺失。
	ErrCodeInvalidArgument Code = "INVALID_ARGUMENT"
	// ErrCodeInvalidConfig 表示依赖未配置或配置非法。
	ErrCodeInvalidConfig Code = "INVALID_CONFIG"
	// ErrCodeInvalidState 表示流程或返回数据不符合预期。
	ErrCodeInvalidState Code = "INVALID_STATE"
	// ErrCodeNotInitialized 表示存储尚未完成初始化。
	ErrCodeNotInitialized Code = "NOT_INITIALIZED"
	// ErrCodeConflict 表示写入携带的版本号已过期。
	ErrCodeConflict Code = "CONFLICT"
	// ErrCodeUnauthenticated 表示凭证缺失、过期或被吊销，需要重新登录。
	ErrCodeUnauthenticated Code = "UNAUTHENTICATED"
	// ErrCodeUnsupported 表示当前模式不具备该能力。
	ErrCodeUnsupported Code = "UNSUPPORTED"
	// ErrCodeSecurity 表示安全校验失败（如 state 不匹配），不可重试。
	ErrCodeSecurity Code = "SECURITY"
	// ErrCodeTransport 表示后端返回的其他错误，保留上游信息。
	ErrCodeTransport Code = "TRANSPORT"
)

// CoreError 提供核心层统一的结构化错误。
type CoreError struct {
	Code    Code
	Message string
	Raw     error
}

func (e *CoreError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("core: [%s] %s", e.Code, e.Message)
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return fmt.Sprintf("core: 错误码=%s", e.Code)
	case e.Raw != nil:
		return e.Raw.Error()
	default:
		return "core: 未知错误"
	}
}

// Unwrap 允许 errors.Is/As 解构底层错误。
func (e *CoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Raw
}

// Is 支持按错误码或同一实例匹配，兼容 sentinel 用法。
func (e *CoreError) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if e == target {
		return true
	}
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

// New 创建基本的 CoreError。
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Newf 以格式化消息创建 CoreError。
func Newf(code Code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 在保留底层错误的同时生成 CoreError。
func Wrap(code Code, message string, raw error) *CoreError {
	if message == "" && raw != nil {
		message = raw.Error()
	}
	return &CoreError{
		Code:    code,
		Message: message,
		Raw:     raw,
	}
}

// CodeOf 返回错误链上第一个 CoreError 的错误码，不存在时返回 ErrCodeUnknown。
func CodeOf(err error) Code {
	var ce *CoreError
	if stderrors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return ErrCodeUnknown
}

func hasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, &CoreError{Code: code})
}

// IsNotFound 判断是否为目标不存在。
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsNotInitialized 判断是否为未初始化。
func IsNotInitialized(err error) bool { return hasCode(err, ErrCodeNotInitialized) }

// IsConflict 判断是否为版本冲突。
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsUnauthenticated 判断是否需要重新登录。
func IsUnauthenticated(err error) bool { return hasCode(err, ErrCodeUnauthenticated) }

// IsUnsupported 判断是否为当前模式不支持的能力。
func IsUnsupported(err error) bool { return hasCode(err, ErrCodeUnsupported) }

// IsSecurity 判断是否为安全校验失败。
func IsSecurity(err error) bool { return hasCode(err, ErrCodeSecurity) }
