package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/models"
	"whisperer/internal/secrets"
	"whisperer/internal/store"
)

// ---- 命令模板 ----

// TemplateBody 创建/编辑模板
type TemplateBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Commands    string `json:"commands"`
}

func (b TemplateBody) valid(w http.ResponseWriter) bool {
	if strings.TrimSpace(b.Name) == "" || len(models.SplitCommands(b.Commands)) == 0 {
		http.Error(w, "name and commands required", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.Templates().List()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s *Server) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body TemplateBody
	if !decode(w, r, &body) || !body.valid(w) {
		return
	}
	t := &models.CommandTemplate{
		Name:        strings.TrimSpace(body.Name),
		Description: strings.TrimSpace(body.Description),
		Commands:    body.Commands,
	}
	if err := s.Store.Templates().Save(t); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var body TemplateBody
	if !decode(w, r, &body) || !body.valid(w) {
		return
	}
	t, err := s.Store.Templates().Get(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	t.Name = strings.TrimSpace(body.Name)
	t.Description = strings.TrimSpace(body.Description)
	t.Commands = body.Commands
	if err := s.Store.Templates().Save(&t); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Templates().Delete(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	writeOK(w)
}

// ---- 凭据组 ----

// CredentialBody 创建/编辑凭据组。编辑时密码、私钥、sudo 密码留空表示不修改
type CredentialBody struct {
	LoginBody
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// CredentialResp 对外暴露的凭据组（不含任何密文）
type CredentialResp struct {
	ID              string          `json:"id"`
	Username        string          `json:"username"`
	AuthType        models.AuthKind `json:"auth_type"`
	Description     string          `json:"description"`
	Priority        int             `json:"priority"`
	HasSudoPassword bool            `json:"has_sudo_password"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func credentialResp(c models.CredentialSet) CredentialResp {
	return CredentialResp{
		ID:              c.ID,
		Username:        c.Username,
		AuthType:        c.AuthType,
		Description:     c.Description,
		Priority:        c.Priority,
		HasSudoPassword: c.SudoPasswordEncrypted != "",
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (s *Server) ListCredentials(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.CredentialSets().List()
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]CredentialResp, 0, len(list))
	for _, c := range models.SortCredentialSets(list) {
		out = append(out, credentialResp(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var body CredentialBody
	if !decode(w, r, &body) || !s.requireCipher(w) {
		return
	}
	cred, err := body.credential()
	if err == nil && cred == nil {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cred.Priority = body.Priority
	set := &models.CredentialSet{Description: strings.TrimSpace(body.Description)}
	if err := s.Cipher.SealCredential(set, *cred); err != nil {
		fail(w, err)
		return
	}
	if err := s.Store.CredentialSets().Save(set); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credentialResp(*set))
}

func (s *Server) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	var body CredentialBody
	if !decode(w, r, &body) || !s.requireCipher(w) {
		return
	}
	set, err := s.Store.CredentialSets().Get(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	cur, err := s.Cipher.OpenCredentialSet(set)
	if err != nil {
		fail(w, err)
		return
	}
	if body.Username == "" {
		body.Username = cur.Username
	}
	if body.AuthType == "" && body.Password == "" && body.PrivateKey == "" {
		body.AuthType = cur.Auth.Kind
	}
	if body.Password == "" && body.PrivateKey == "" && body.AuthType == cur.Auth.Kind {
		if cur.Auth.Kind == models.AuthKey {
			body.PrivateKey = cur.Auth.Secret
		} else {
			body.Password = cur.Auth.Secret
		}
	}
	if body.SudoPassword == "" {
		body.SudoPassword = cur.SudoPassword
	}
	cred, err := body.credential()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cred.Priority = body.Priority
	set.Description = strings.TrimSpace(body.Description)
	if err := s.Cipher.SealCredential(&set, *cred); err != nil {
		fail(w, err)
		return
	}
	if err := s.Store.CredentialSets().Save(&set); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialResp(set))
}

func (s *Server) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.CredentialSets().Delete(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	writeOK(w)
}

// ---- 定时任务 ----

// ScheduleBody 创建/编辑定时任务；后备凭据可选，编辑时留空表示沿用
type ScheduleBody struct {
	LoginBody
	Name                  string           `json:"name"`
	Description           string           `json:"description"`
	Subnets               string           `json:"subnets"`
	CredentialSetIDs      []string         `json:"credential_set_ids"`
	TemplateID            string           `json:"command_template_id"`
	CustomCommands        string           `json:"custom_commands"`
	CollectServerInfo     bool             `json:"collect_server_info"`
	CollectDetailedInfo   bool             `json:"collect_detailed_info"`
	Concurrency           int              `json:"concurrency"`
	Frequency             models.Frequency `json:"schedule_frequency"`
	CustomIntervalMinutes int              `json:"custom_interval_minutes"`
	StartDate             *time.Time       `json:"start_date"`
	EndDate               *time.Time       `json:"end_date"`
	Active                *bool            `json:"is_active"`
}

var frequencies = map[models.Frequency]bool{
	models.FrequencyOnce: true, models.FrequencyHourly: true, models.FrequencyDaily: true,
	models.FrequencyWeekly: true, models.FrequencyMonthly: true, models.FrequencyCustom: true,
}

// apply 把请求体写入 sc 并重新计算首次触发时间
func (s *Server) apply(w http.ResponseWriter, body ScheduleBody, sc *models.Schedule) bool {
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Subnets) == "" {
		http.Error(w, "name and subnets required", http.StatusBadRequest)
		return false
	}
	if body.Frequency == "" {
		body.Frequency = models.FrequencyOnce
	}
	if !frequencies[body.Frequency] {
		http.Error(w, "unknown schedule_frequency "+string(body.Frequency), http.StatusBadRequest)
		return false
	}
	if body.Frequency == models.FrequencyCustom && body.CustomIntervalMinutes <= 0 {
		http.Error(w, "custom_interval_minutes required", http.StatusBadRequest)
		return false
	}
	cred, err := body.credential()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if cred == nil && sc.Username == "" && len(body.CredentialSetIDs) == 0 {
		http.Error(w, "username/password, private key or credential_set_ids required", http.StatusBadRequest)
		return false
	}
	if cred != nil {
		if !s.requireCipher(w) {
			return false
		}
		if err := s.Cipher.SealSchedule(sc, *cred); err != nil {
			fail(w, err)
			return false
		}
	}
	now := s.clock()
	sc.Name = strings.TrimSpace(body.Name)
	sc.Description = strings.TrimSpace(body.Description)
	sc.Subnets = body.Subnets
	sc.CredentialSetIDs = body.CredentialSetIDs
	sc.TemplateID = body.TemplateID
	sc.CustomCommands = body.CustomCommands
	sc.CollectServerInfo = body.CollectServerInfo
	sc.CollectDetailedInfo = body.CollectDetailedInfo
	sc.Concurrency = body.Concurrency
	sc.Frequency = body.Frequency
	sc.CustomIntervalMinutes = body.CustomIntervalMinutes
	sc.StartDate = now
	if body.StartDate != nil {
		sc.StartDate = body.StartDate.UTC()
	}
	sc.EndDate = body.EndDate
	sc.Active = body.Active == nil || *body.Active
	sc.LastRun = nil
	next := sc.StartDate
	sc.NextRun = &next
	if sc.EndDate != nil && next.After(*sc.EndDate) {
		sc.NextRun = nil
		sc.Active = false
	}
	return true
}

// scheduleResp 去掉密文字段
func scheduleResp(sc models.Schedule) models.Schedule {
	sc.PasswordEncrypted, sc.PrivateKeyEncrypted, sc.SudoPasswordEncrypted = "", "", ""
	return sc
}

func (s *Server) ListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.Schedules().List()
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]models.Schedule, 0, len(list))
	for _, sc := range list {
		out = append(out, scheduleResp(sc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (s *Server) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body ScheduleBody
	if !decode(w, r, &body) {
		return
	}
	sc := &models.Schedule{}
	if !s.apply(w, body, sc) {
		return
	}
	if err := s.Store.Schedules().Save(sc); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp(*sc))
}

func (s *Server) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var body ScheduleBody
	if !decode(w, r, &body) {
		return
	}
	sc, err := s.Store.Schedules().Get(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	if !s.apply(w, body, &sc) {
		return
	}
	if err := s.Store.Schedules().Save(&sc); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResp(sc))
}

func (s *Server) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Schedules().Delete(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	writeOK(w)
}

// RunSchedule 立即执行一次，不改变 next_run
func (s *Server) RunSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Planner == nil {
		http.Error(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	sc, err := s.Store.Schedules().Get(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	req, err := s.Planner.Request(&sc)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, secrets.ErrNoKey) {
			fail(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess := s.dispatch(w, r, req)
	if sess == nil {
		return
	}
	now := s.clock()
	sc.LastRun = &now
	sc.SessionIDs = append(sc.SessionIDs, sess.ID)
	if err := s.Store.Schedules().Save(&sc); err != nil {
		// 响应已写出，只记录日志
		log.WithField("schedule", sc.ID).WithError(err).Error("Save schedule failed")
	}
}
