package sealed

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

// DefaultAgeWorkFactor age scrypt 默认成本。每条消息都要做一次完整的 scrypt，
// 比 SecretBox 慢得多，适合低频文档或需要用 age 工具离线解密的场景。
const DefaultAgeWorkFactor = 15

// AgeBox 使用 age 的口令（scrypt）收件人加密，密文为标准 base64
type AgeBox struct {
	workFactor int
}

var _ Box = (*AgeBox)(nil)

func NewAgeBox(workFactor int) *AgeBox {
	if workFactor <= 0 || workFactor > 30 {
		workFactor = DefaultAgeWorkFactor
	}
	return &AgeBox{workFactor: workFactor}
}

func (b *AgeBox) Encrypt(ctx context.Context, plaintext, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	recipient, err := age.NewScryptRecipient(key)
	if err != nil {
		return "", fmt.Errorf("sealed: creating age recipient: %w", err)
	}
	recipient.SetWorkFactor(b.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("sealed: creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (b *AgeBox) Decrypt(ctx context.Context, ciphertext, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, ErrEmptyKey)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	identity, err := age.NewScryptIdentity(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	identity.SetMaxWorkFactor(b.workFactor)

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return string(plaintext), nil
}
