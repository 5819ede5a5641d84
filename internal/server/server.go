// Package server 提供扫描、目标导入、模板、凭据组与定时任务的 HTTP API
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/auth"
	"whisperer/internal/cmdpolicy"
	"whisperer/internal/models"
	"whisperer/internal/scan"
	"whisperer/internal/secrets"
	"whisperer/internal/store"
)

// maxBody 请求体上限（CSV 导入最大）
const maxBody = 10 << 20

// Scanner 由 *scan.Coordinator 实现
type Scanner interface {
	Dispatch(ctx context.Context, req scan.Request) (*models.ScanSession, error)
	Session(id string) (*models.ScanSession, bool)
}

// Planner 由 *scheduler.Scheduler 实现，把定时任务展开成扫描请求
type Planner interface {
	Request(sc *models.Schedule) (scan.Request, error)
}

// Server 各字段由 main 注入；Auth 为 nil 时不做登录校验，Metrics 为 nil 时不挂载 /metrics
type Server struct {
	Store   *store.Store
	Cipher  *secrets.Cipher
	Scanner Scanner
	Planner Planner
	Auth    *auth.Manager
	Metrics http.Handler
	Policy  cmdpolicy.Policy

	now func() time.Time
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// Handler 组装全部路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.Auth != nil {
		s.Auth.Register(mux)
	}
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}

	s.handle(mux, "POST /api/scans", s.CreateScan)
	s.handle(mux, "GET /api/scans", s.ListScans)
	s.handle(mux, "GET /api/scans/{id}", s.ScanStatus)
	s.handle(mux, "DELETE /api/scans/{id}", s.DeleteScan)
	s.handle(mux, "GET /api/scans/{id}/results", s.ScanResults)
	s.handle(mux, "GET /api/scans/{id}/export", s.ExportScan)

	s.handle(mux, "POST /api/targets/expand", s.ExpandTargets)
	s.handle(mux, "POST /api/targets/import", s.ImportTargets)

	s.handle(mux, "GET /api/templates", s.ListTemplates)
	s.handle(mux, "POST /api/templates", s.CreateTemplate)
	s.handle(mux, "PUT /api/templates/{id}", s.UpdateTemplate)
	s.handle(mux, "DELETE /api/templates/{id}", s.DeleteTemplate)

	s.handle(mux, "GET /api/credentials", s.ListCredentials)
	s.handle(mux, "POST /api/credentials", s.CreateCredential)
	s.handle(mux, "PUT /api/credentials/{id}", s.UpdateCredential)
	s.handle(mux, "DELETE /api/credentials/{id}", s.DeleteCredential)

	s.handle(mux, "GET /api/schedules", s.ListSchedules)
	s.handle(mux, "POST /api/schedules", s.CreateSchedule)
	s.handle(mux, "PUT /api/schedules/{id}", s.UpdateSchedule)
	s.handle(mux, "DELETE /api/schedules/{id}", s.DeleteSchedule)
	s.handle(mux, "POST /api/schedules/{id}/run", s.RunSchedule)

	s.handle(mux, "POST /api/connect", s.Connect)
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	if s.Auth != nil {
		mux.Handle(pattern, s.Auth.RequireAuth(h))
		return
	}
	mux.Handle(pattern, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// fail 把内部错误映射为状态码：不存在 404，未配置加密口令 503，其余 500
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, secrets.ErrNoKey):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.WithError(err).Error("API request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) requireCipher(w http.ResponseWriter) bool {
	if s.Cipher == nil {
		http.Error(w, secrets.ErrNoKey.Error(), http.StatusServiceUnavailable)
		return false
	}
	return true
}
