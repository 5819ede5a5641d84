package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/models"
	"whisperer/internal/netrange"
	"whisperer/internal/scan"
)

// LoginBody 直接随请求提交的一组凭据（用作后备凭据）
type LoginBody struct {
	Username     string          `json:"username"`
	AuthType     models.AuthKind `json:"auth_type"`
	Password     string          `json:"password,omitempty"`
	PrivateKey   string          `json:"private_key,omitempty"`
	SudoPassword string          `json:"sudo_password,omitempty"`
}

// credential 未填用户名时返回 nil；auth_type 为空时按是否提供私钥推断
func (b LoginBody) credential() (*models.Credential, error) {
	user := strings.TrimSpace(b.Username)
	if user == "" {
		return nil, nil
	}
	kind := b.AuthType
	if kind == "" {
		kind = models.AuthPassword
		if strings.TrimSpace(b.PrivateKey) != "" {
			kind = models.AuthKey
		}
	}
	cred := &models.Credential{Username: user, SudoPassword: b.SudoPassword}
	switch kind {
	case models.AuthPassword:
		cred.Auth = models.PasswordAuth(b.Password)
	case models.AuthKey:
		cred.Auth = models.KeyAuth(b.PrivateKey)
	default:
		return nil, fmt.Errorf("unsupported auth_type %q", kind)
	}
	if cred.Auth.Secret == "" {
		return nil, fmt.Errorf("%s required for user %s", kind, user)
	}
	return cred, nil
}

// ScanReq POST /api/scans 请求体
type ScanReq struct {
	LoginBody
	Subnets             string   `json:"subnets"`
	Targets             []string `json:"targets"`
	CredentialSetIDs    []string `json:"credential_set_ids"`
	TemplateID          string   `json:"command_template_id"`
	CustomCommands      string   `json:"custom_commands"`
	CollectServerInfo   bool     `json:"collect_server_info"`
	CollectDetailedInfo bool     `json:"collect_detailed_info"`
	Concurrency         int      `json:"concurrency"`
}

// ScanStatusResp 扫描进度
type ScanStatusResp struct {
	ID              string               `json:"id"`
	Status          models.SessionStatus `json:"status"`
	Total           int                  `json:"total"`
	Completed       int                  `json:"completed"`
	PercentComplete float64              `json:"percent_complete"`
	SuccessCount    int                  `json:"success_count"`
	FailedCount     int                  `json:"failed_count"`
	PendingCount    int                  `json:"pending_count"`
	StartedAt       time.Time            `json:"started_at"`
	CompletedAt     *time.Time           `json:"completed_at"`
}

func statusOf(sum models.SessionSummary) ScanStatusResp {
	return ScanStatusResp{
		ID:              sum.ID,
		Status:          sum.Status,
		Total:           sum.TotalCount,
		Completed:       sum.Completed(),
		PercentComplete: sum.PercentComplete(),
		SuccessCount:    sum.SuccessCount,
		FailedCount:     sum.FailedCount,
		PendingCount:    sum.PendingCount,
		StartedAt:       sum.StartedAt,
		CompletedAt:     sum.CompletedAt,
	}
}

// CreateScan 解析目标与凭据，交给协调器后立即返回 202
func (s *Server) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req ScanReq
	if !decode(w, r, &req) {
		return
	}
	text := req.Subnets
	if len(req.Targets) > 0 {
		text += "\n" + strings.Join(req.Targets, "\n")
	}
	targets := netrange.Expand(text)
	if len(targets) == 0 {
		http.Error(w, "no valid targets", http.StatusBadRequest)
		return
	}
	fallback, err := req.credential()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	candidates, err := s.Store.Credentials(s.Cipher, req.CredentialSetIDs)
	if err != nil {
		fail(w, err)
		return
	}
	if fallback == nil && len(candidates) == 0 {
		http.Error(w, "username/password, private key or credential_set_ids required", http.StatusBadRequest)
		return
	}
	commands, err := s.Store.Commands(req.TemplateID, req.CustomCommands)
	if err != nil {
		fail(w, err)
		return
	}
	p := scan.Params{
		Candidates:      candidates,
		Fallback:        fallback,
		SudoPassword:    req.SudoPassword,
		Commands:        commands,
		Policy:          s.Policy,
		CollectInfo:     req.CollectServerInfo,
		CollectDetailed: req.CollectDetailedInfo,
	}
	s.dispatch(w, r, scan.Request{Targets: targets, Concurrency: req.Concurrency, Params: p})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req scan.Request) *models.ScanSession {
	sess, err := s.Scanner.Dispatch(r.Context(), req)
	switch {
	case errors.Is(err, scan.ErrCommandsRejected), errors.Is(err, scan.ErrNoTargets):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	case errors.Is(err, scan.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil
	case err != nil:
		fail(w, err)
		return nil
	}
	writeJSON(w, http.StatusAccepted, statusOf(sess.Summary()))
	return sess
}

// session 先查内存中的会话，再查磁盘
func (s *Server) session(id string) (*models.ScanSession, error) {
	if s.Scanner != nil {
		if sess, ok := s.Scanner.Session(id); ok {
			return sess, nil
		}
	}
	return s.Store.LoadSession(id)
}

// ListScans 全部会话概要，新的在前
func (s *Server) ListScans(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListSessions()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// ScanStatus 单个会话进度
func (s *Server) ScanStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(sess.Summary()))
}

// ScanResults 会话概要与主机结果，?status=success|failed|pending 过滤
func (s *Server) ScanResults(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess.Summary(),
		"results": filterResults(sess.Results(), r.URL.Query().Get("status")),
	})
}

func filterResults(results []*models.HostResult, status string) []*models.HostResult {
	if status == "" {
		return results
	}
	out := []*models.HostResult{}
	for _, res := range results {
		if string(res.Status) == status {
			out = append(out, res)
		}
	}
	return out
}

// DeleteScan 删除已完成会话；运行中的会话返回 409
func (s *Server) DeleteScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.Scanner != nil {
		if sess, ok := s.Scanner.Session(id); ok && sess.Status() == models.SessionRunning {
			http.Error(w, "scan still running", http.StatusConflict)
			return
		}
	}
	if err := s.Store.DeleteSession(id); err != nil {
		fail(w, err)
		return
	}
	writeOK(w)
}

var csvHeader = []string{
	"ip_address", "status", "ssh_status", "sudo_status", "command_status", "credential_used",
	"execution_time", "error_message", "command", "exit_status", "stdout", "stderr",
}

// ExportScan 导出会话结果，?format=csv 时每条命令一行，默认 JSON
func (s *Server) ExportScan(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	results := sess.Results()
	name := "whisperer-scan-" + sess.ID
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.csv"`)
		if err := writeCSV(w, results); err != nil {
			log.WithError(err).WithField("session", sess.ID).Error("CSV export failed")
		}
		return
	}
	data, err := json.MarshalIndent(map[string]any{"session": sess.Summary(), "results": results}, "", "  ")
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.json"`)
	_, _ = w.Write(data)
}

func writeCSV(w http.ResponseWriter, results []*models.HostResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, res := range results {
		host := []string{
			res.Target,
			string(res.Status),
			strconv.FormatBool(res.SSHConnected),
			strconv.FormatBool(res.SudoAvailable),
			strconv.FormatBool(res.CommandStatus),
			res.CredentialUsed,
			strconv.FormatFloat(res.ExecutionTime, 'f', 3, 64),
			res.ErrorMessage(),
		}
		if len(res.Commands) == 0 {
			if err := cw.Write(append(host, "", "", "", "")); err != nil {
				return err
			}
			continue
		}
		for _, c := range res.Commands {
			row := append(append([]string(nil), host...), c.Command, strconv.Itoa(c.ExitStatus), c.Stdout, c.Stderr)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
