package crypto

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// BlobSHA 按 git blob 对象格式计算内容摘要，与远端仓库返回的 sha 同构。
func BlobSHA(content []byte) string {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
