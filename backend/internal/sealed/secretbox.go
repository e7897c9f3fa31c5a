package sealed

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/singleflight"
)

const (
	secretPrefix = "SEA1."
	// 版本字节作为 AAD 参与认证，篡改会导致 Open 失败
	secretVersion byte = 0x01
	saltSize           = 16
	keySize            = chacha20poly1305.KeySize

	// DefaultScryptLogN 文档密钥拉伸的 scrypt 成本（N = 1<<15）
	DefaultScryptLogN = 15
)

var (
	masterSalt = []byte("docsync.sealed.master.v1")
	hkdfInfo   = []byte("docsync.sealed.msg.v1")
)

// SecretBox XChaCha20-Poly1305 实现。
// 文档密钥先用 scrypt 拉伸成主密钥（按密钥缓存，并发派生用 singleflight 合并），
// 每条消息再用随机 salt 经 HKDF 派生出独立的消息密钥。
// 密文文本形式：SEA1. + base64url(version | salt | nonce | sealed)
type SecretBox struct {
	logN  int
	group singleflight.Group

	mu   sync.RWMutex
	keys map[string][]byte // sha256(key) -> 主密钥
}

var _ Box = (*SecretBox)(nil)

func NewSecretBox() *SecretBox {
	return NewSecretBoxWithCost(DefaultScryptLogN)
}

// NewSecretBoxWithCost 自定义 scrypt 成本，测试里用较小的值
func NewSecretBoxWithCost(logN int) *SecretBox {
	if logN < 1 || logN > 30 {
		logN = DefaultScryptLogN
	}
	return &SecretBox{logN: logN, keys: make(map[string][]byte)}
}

func (b *SecretBox) Encrypt(ctx context.Context, plaintext, key string) (string, error) {
	master, err := b.masterKey(ctx, key)
	if err != nil {
		return "", err
	}

	out := make([]byte, 1+saltSize+chacha20poly1305.NonceSizeX, 1+saltSize+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = secretVersion
	salt := out[1 : 1+saltSize]
	nonce := out[1+saltSize:]
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("sealed: generating salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("sealed: generating nonce: %w", err)
	}

	aead, err := messageAEAD(master, salt)
	if err != nil {
		return "", err
	}
	out = aead.Seal(out, nonce, []byte(plaintext), []byte{secretVersion})
	return secretPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

func (b *SecretBox) Decrypt(ctx context.Context, ciphertext, key string) (string, error) {
	body, ok := strings.CutPrefix(ciphertext, secretPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", ErrUnreadable, secretPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	header := 1 + saltSize + chacha20poly1305.NonceSizeX
	if len(raw) < header+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrUnreadable, len(raw))
	}
	if raw[0] != secretVersion {
		return "", fmt.Errorf("%w: unknown version %d", ErrUnreadable, raw[0])
	}

	master, err := b.masterKey(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	aead, err := messageAEAD(master, raw[1:1+saltSize])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	plaintext, err := aead.Open(nil, raw[1+saltSize:header], raw[header:], raw[:1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return string(plaintext), nil
}

func (b *SecretBox) masterKey(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(key))
	cacheKey := string(digest[:])

	b.mu.RLock()
	master, ok := b.keys[cacheKey]
	b.mu.RUnlock()
	if ok {
		return master, nil
	}

	ch := b.group.DoChan(cacheKey, func() (any, error) {
		derived, err := scrypt.Key([]byte(key), masterSalt, 1<<b.logN, 8, 1, keySize)
		if err != nil {
			return nil, fmt.Errorf("sealed: deriving master key: %w", err)
		}
		b.mu.Lock()
		b.keys[cacheKey] = derived
		b.mu.Unlock()
		return derived, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func messageAEAD(master, salt []byte) (cipher.AEAD, error) {
	subkey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, hkdfInfo), subkey); err != nil {
		return nil, fmt.Errorf("sealed: deriving message key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating cipher: %w", err)
	}
	return aead, nil
}
