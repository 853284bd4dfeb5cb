package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey 使用 HKDF-SHA256 从主密钥派生 32 字节子密钥，info 用于域隔离。
func DeriveKey(master []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, ErrKeySize
	}
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
