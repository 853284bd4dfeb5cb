// Package backup 读写导出数据包。给定口令时使用 age（scrypt）加密并以 ASCII armor 输出，
// 否则写出带缩进的明文 JSON。
package backup

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"

	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/model"
)

// DefaultWorkFactor scrypt 的 log2(N)，与 age 命令行一致。
const DefaultWorkFactor = 18

const (
	armorHeader  = "-----BEGIN AGE ENCRYPTED FILE-----"
	binaryHeader = "age-encryption.org/v1"
)

var (
	// ErrPassphraseRequired 数据包已加密但未提供口令。
	ErrPassphraseRequired = coreerrors.New(coreerrors.ErrCodeInvalidArgument, "backup: 数据包已加密，需要口令")
	// ErrWrongPassphrase 口令错误或数据被篡改。
	ErrWrongPassphrase = coreerrors.New(coreerrors.ErrCodeSecurity, "backup: 口令错误")
)

type options struct {
	workFactor int
}

// Option 配置加解密参数。
type Option func(*options)

// WithWorkFactor 调整 scrypt 强度，解密时作为允许的上限。
func WithWorkFactor(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workFactor = n
		}
	}
}

func apply(opts []Option) options {
	o := options{workFactor: DefaultWorkFactor}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Seal 写出数据包。passphrase 为空时输出明文 JSON。
func Seal(w io.Writer, bundle *model.Bundle, passphrase string, opts ...Option) error {
	if bundle == nil {
		return coreerrors.New(coreerrors.ErrCodeInvalidArgument, "backup: 数据包为空")
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	if passphrase == "" {
		_, err = w.Write(append(data, '\n'))
		return err
	}

	o := apply(opts)
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return coreerrors.Wrap(coreerrors.ErrCodeInvalidArgument, "backup: 口令不可用", err)
	}
	recipient.SetWorkFactor(o.workFactor)

	aw := armor.NewWriter(w)
	ew, err := age.Encrypt(aw, recipient)
	if err != nil {
		return fmt.Errorf("backup: 初始化加密失败: %w", err)
	}
	if _, err := ew.Write(data); err != nil {
		return fmt.Errorf("backup: 加密失败: %w", err)
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("backup: 加密失败: %w", err)
	}
	return aw.Close()
}

// Open 读取 Seal 写出的数据包，自动识别明文、armor 与二进制 age 格式。
func Open(r io.Reader, passphrase string, opts ...Option) (*model.Bundle, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(armorHeader))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	var plain io.Reader = br
	encrypted := bytes.HasPrefix(head, []byte(armorHeader)) || bytes.HasPrefix(head, []byte(binaryHeader))
	if encrypted {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		var src io.Reader = br
		if bytes.HasPrefix(head, []byte(armorHeader)) {
			src = armor.NewReader(br)
		}
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.ErrCodeInvalidArgument, "backup: 口令不可用", err)
		}
		identity.SetMaxWorkFactor(apply(opts).workFactor)
		plain, err = age.Decrypt(src, identity)
		if err != nil {
			var noMatch *age.NoIdentityMatchError
			if errors.As(err, &noMatch) {
				return nil, ErrWrongPassphrase
			}
			return nil, coreerrors.Wrap(coreerrors.ErrCodeSecurity, "backup: 解密失败", err)
		}
	}

	var bundle model.Bundle
	if err := json.NewDecoder(plain).Decode(&bundle); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeInvalidArgument, "backup: 数据包格式错误", err)
	}
	if bundle.Version <= 0 || bundle.Version > model.BundleVersion {
		return nil, coreerrors.Newf(coreerrors.ErrCodeInvalidArgument, "backup: 不支持的数据包版本 %d", bundle.Version)
	}
	if bundle.Files == nil {
		bundle.Files = []model.File{}
	}
	return &bundle, nil
}
