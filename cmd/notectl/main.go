// notectl 笔记存储命令行工具：在四种存储模式之间切换并读写笔记。
package main

import (
	"fmt"
	"os"
)

func main() {
	loadDotenv()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
