package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"
)

const (
	cookieName   = "whisperer_session"
	sessionTTL   = 24 * time.Hour
	cookieMaxAge = 86400 // 24h in seconds
)

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (m *Manager) createSession(w http.ResponseWriter) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	now := m.now()
	// 顺带清理过期会话
	for k, exp := range m.sessions {
		if now.After(exp) {
			delete(m.sessions, k)
		}
	}
	m.sessions[id] = now.Add(sessionTTL)
	m.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

// LoggedIn 请求是否携带有效会话
func (m *Manager) LoggedIn(r *http.Request) bool {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return false
	}
	m.mu.RLock()
	exp, ok := m.sessions[c.Value]
	m.mu.RUnlock()
	return ok && !m.now().After(exp)
}

func (m *Manager) destroySession(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(cookieName)
	if err == nil && c.Value != "" {
		m.mu.Lock()
		delete(m.sessions, c.Value)
		m.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
