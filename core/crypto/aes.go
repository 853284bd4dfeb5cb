package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// NonceSize AES-GCM 标准 nonce 长度。
const NonceSize = 12

// ErrKeySize 表示密钥长度不是 AES-256 所需的 32 字节。
var ErrKeySize = errors.New("crypto: 密钥长度必须为 32 字节")

// SealGCM 使用 AES-256-GCM 加密，每次调用生成新的随机 nonce。
func SealGCM(key, plaintext, additional []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, additional), nil
}

// OpenGCM 解密并校验 SealGCM 的输出。
func OpenGCM(key, nonce, ciphertext, additional []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("crypto: nonce 长度错误")
	}
	return aead.Open(nil, nonce, ciphertext, additional)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
