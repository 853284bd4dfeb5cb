package storage

import (
	"fmt"

	coreerrors "github.com/dnslin/notevault/core/errors"
)

// ErrNotInitialized 在成功初始化或切换模式之前调用文件操作时返回。
var ErrNotInitialized = coreerrors.New(coreerrors.ErrCodeNotInitialized, "storage: 存储未初始化")

func unsupported(mode Mode, op string) error {
	return coreerrors.New(coreerrors.ErrCodeUnsupported, fmt.Sprintf("storage: 当前模式 %s 不支持 %s", mode, op))
}
