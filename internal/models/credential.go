package models

import "sort"

// AuthKind 认证方式
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// Auth 认证凭据：Kind 决定 Secret 的含义（密码或 PEM 私钥文本）
type Auth struct {
	Kind   AuthKind `json:"kind"`
	Secret string   `json:"-"`
}

// PasswordAuth 密码认证
func PasswordAuth(password string) Auth {
	return Auth{Kind: AuthPassword, Secret: password}
}

// KeyAuth 私钥认证，pem 为私钥文本
func KeyAuth(pem string) Auth {
	return Auth{Kind: AuthKey, Secret: pem}
}

// Credential 一组已解密的登录凭据，由调用方提供，核心只读不写
type Credential struct {
	Label        string `json:"label,omitempty"`
	Username     string `json:"username"`
	Auth         Auth   `json:"auth"`
	SudoPassword string `json:"-"`
	Priority     int    `json:"priority"`
}

// Valid 用户名与密钥均不为空
func (c *Credential) Valid() bool {
	return c != nil && c.Username != "" && c.Auth.Secret != ""
}

// SortByPriority 按优先级从高到低排序，优先级相同时保持原顺序
func SortByPriority(creds []Credential) []Credential {
	out := make([]Credential, len(creds))
	copy(out, creds)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
