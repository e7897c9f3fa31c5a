// Package sealed 是同步层使用的对称加密原语：用文档密钥加密操作增量的文本形式。
// 解密失败一律返回 ErrUnreadable，调用方把它当作“外来或损坏的数据”丢弃。
package sealed

import (
	"context"
	"errors"
)

var (
	ErrUnreadable = errors.New("sealed: unreadable ciphertext")
	ErrEmptyKey   = errors.New("sealed: empty key")
)

type Box interface {
	Encrypt(ctx context.Context, plaintext, key string) (string, error)
	Decrypt(ctx context.Context, ciphertext, key string) (string, error)
}
