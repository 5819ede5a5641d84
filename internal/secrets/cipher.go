// Package secrets 加解密落盘的凭据（密码、私钥、sudo 密码）
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32
	nonceSize  = 24
	iterations = 100000
	salt       = "whisperer/secrets/v1"
)

var (
	// ErrDecrypt 密文损坏或密钥不匹配
	ErrDecrypt = errors.New("secrets: decryption failed")
	// ErrNoKey 未配置加密口令
	ErrNoKey = errors.New("secrets: encryption key not configured")
)

// Cipher 对称加密器，显式构造后注入给需要的组件，没有包级全局状态
type Cipher struct {
	key [keySize]byte
}

// NewCipher 由口令派生密钥（PBKDF2-SHA256）
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	c := &Cipher{}
	copy(c.key[:], pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, keySize, sha256.New))
	return c, nil
}

// Encrypt 返回 base64(nonce||box)，空串原样返回
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

// Decrypt Encrypt 的逆操作，空串原样返回
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
