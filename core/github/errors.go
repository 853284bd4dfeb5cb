package github

import (
	"errors"
	"fmt"
	"net/http"

	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/httpclient"
)

var (
	// ErrNoToken 两种认证方式都拿不到令牌。
	ErrNoToken = coreerrors.New(coreerrors.ErrCodeUnauthenticated, "github: 没有可用的访问令牌")
	// ErrNotConfigured 适配器尚未配置仓库。
	ErrNotConfigured = coreerrors.New(coreerrors.ErrCodeNotInitialized, "github: 仓库未配置")
)

// toStorageError 把 HTTP 层错误映射到存储错误分类，上游 ErrCode 保留在错误链中。
func toStorageError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ce *coreerrors.CoreError
	if errors.As(err, &ce) {
		return err
	}
	var ec *httpclient.ErrCode
	if !errors.As(err, &ec) {
		return coreerrors.Wrap(coreerrors.ErrCodeTransport, fmt.Sprintf("github: %s %s 失败: %v", op, path, err), err)
	}
	msg := ec.Message
	if msg == "" {
		msg = http.StatusText(ec.Status)
	}
	switch ec.Status {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return coreerrors.Wrap(coreerrors.ErrCodeConflict, fmt.Sprintf("github: %s %s 版本冲突: %s", op, path, msg), err)
	case http.StatusUnauthorized:
		return coreerrors.Wrap(coreerrors.ErrCodeUnauthenticated, fmt.Sprintf("github: 认证失败: %s", msg), err)
	case http.StatusNotFound:
		return coreerrors.Wrap(coreerrors.ErrCodeNotFound, fmt.Sprintf("github: %s 不存在", path), err)
	}
	return coreerrors.Wrap(coreerrors.ErrCodeTransport, fmt.Sprintf("github: %s %s 失败(status=%d): %s", op, path, ec.Status, msg), err)
}
