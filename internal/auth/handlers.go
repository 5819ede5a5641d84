package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// StatusResp 认证状态
type StatusResp struct {
	NeedSetup bool `json:"need_setup"` // 未设置主密码，需首次设置
	LoggedIn  bool `json:"logged_in"`
}

// Register 挂载 /api/auth/* 路由，这些路由本身不要求登录
func (m *Manager) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/auth/status", m.Status)
	mux.HandleFunc("POST /api/auth/setup", m.Setup)
	mux.HandleFunc("POST /api/auth/login", m.Login)
	mux.HandleFunc("POST /api/auth/logout", m.Logout)
	mux.Handle("POST /api/auth/reset", m.RequireAuth(http.HandlerFunc(m.Reset)))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// Status 返回当前认证状态。NeedSetup 仅在从未设置过主密码时为 true；
// 设置过之后只返回登录状态
func (m *Manager) Status(w http.ResponseWriter, r *http.Request) {
	hasPwd, err := m.HasPassword()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StatusResp{NeedSetup: !hasPwd, LoggedIn: hasPwd && m.LoggedIn(r)})
}

// SetupReq 首次设置主密码
type SetupReq struct {
	Password string `json:"password"`
	Confirm  string `json:"confirm"`
}

// Setup 仅首次可用：已存在主密码哈希时拒绝。成功后不创建会话，需用新密码登录
func (m *Manager) Setup(w http.ResponseWriter, r *http.Request) {
	hasPwd, err := m.HasPassword()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hasPwd {
		http.Error(w, "already set", http.StatusBadRequest)
		return
	}
	var req SetupReq
	if !decode(w, r, &req) {
		return
	}
	pwd := strings.TrimSpace(req.Password)
	if pwd != strings.TrimSpace(req.Confirm) {
		http.Error(w, "两次密码不一致", http.StatusBadRequest)
		return
	}
	if !m.storePassword(w, pwd) {
		return
	}
	writeOK(w)
}

// LoginReq 登录
type LoginReq struct {
	Password string `json:"password"`
}

// Login 验证主密码并创建会话
func (m *Manager) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginReq
	if !decode(w, r, &req) {
		return
	}
	ok, err := m.VerifyPassword(strings.TrimSpace(req.Password))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "密码错误", http.StatusUnauthorized)
		return
	}
	if _, err := m.createSession(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

// Logout 登出
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) {
	m.destroySession(w, r)
	writeOK(w)
}

// ResetReq 重设主密码（需已登录）
type ResetReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	Confirm         string `json:"confirm"`
}

// Reset 校验当前密码后写入新密码哈希
func (m *Manager) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetReq
	if !decode(w, r, &req) {
		return
	}
	cur := strings.TrimSpace(req.CurrentPassword)
	if cur == "" {
		http.Error(w, "请输入当前密码", http.StatusBadRequest)
		return
	}
	ok, err := m.VerifyPassword(cur)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "当前密码错误", http.StatusUnauthorized)
		return
	}
	newPwd := strings.TrimSpace(req.NewPassword)
	if newPwd != strings.TrimSpace(req.Confirm) {
		http.Error(w, "两次新密码不一致", http.StatusBadRequest)
		return
	}
	if !m.storePassword(w, newPwd) {
		return
	}
	writeOK(w)
}

func (m *Manager) storePassword(w http.ResponseWriter, pwd string) bool {
	err := m.SetPassword(pwd)
	switch {
	case errors.Is(err, ErrPasswordTooShort):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	return true
}
