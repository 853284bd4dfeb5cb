package crypto

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomBytes 返回 n 字节的安全随机数。
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// SecureRandomHex 生成指定字节长度的安全随机十六进制字符串。
func SecureRandomHex(n int) string {
	if n <= 0 {
		return ""
	}
	b, err := RandomBytes(n)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
