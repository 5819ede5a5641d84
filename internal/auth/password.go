// Package auth 主密码（bcrypt）登录与 Cookie 会话，保护 HTTP API
package auth

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// ErrPasswordTooShort 主密码长度不足
var ErrPasswordTooShort = errors.New("密码至少 6 位")

// Manager 主密码哈希保存在 dir/.auth_hash，登录会话只在内存中
type Manager struct {
	dir  string
	cost int

	mu       sync.RWMutex
	sessions map[string]time.Time
	now      func() time.Time
}

// NewManager 创建认证管理器，dir 通常为数据目录
func NewManager(dir string) *Manager {
	return &Manager{
		dir:      dir,
		cost:     bcryptCost,
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *Manager) hashPath() string {
	return filepath.Join(m.dir, ".auth_hash")
}

// HasPassword 是否已设置主密码（存在哈希文件）
func (m *Manager) HasPassword() (bool, error) {
	_, err := os.Stat(m.hashPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// SetPassword 设置主密码（写入 bcrypt 哈希，仅后端存储）
func (m *Manager) SetPassword(password string) error {
	if len(password) < 6 {
		return ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(m.hashPath(), hash, 0600)
}

// VerifyPassword 验证主密码
func (m *Manager) VerifyPassword(password string) (bool, error) {
	data, err := os.ReadFile(m.hashPath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	err = bcrypt.CompareHashAndPassword(data, []byte(password))
	return err == nil, nil
}
