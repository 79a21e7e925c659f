package crypto_util

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// CalculateBlake3 计算输入的 Blake3 哈希值。
func CalculateBlake3(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// DigestFields 对多个字段做 Blake3 摘要, 字段之间以 0 字节分隔, 避免拼接歧义
func DigestFields(fields ...string) string {
	h := blake3.New(32, nil)
	for i, f := range fields {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
