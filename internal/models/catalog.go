package models

import (
	"sort"
	"strings"
	"time"
)

// CommandTemplate 命令模板：每行一条命令
type CommandTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Commands    string    `json:"commands"`
	CreatedAt   time.Time `json:"created_at"`
}

// Lines 拆分为命令列表，忽略空行
func (t CommandTemplate) Lines() []string {
	return SplitCommands(t.Commands)
}

// SplitCommands 按行拆分命令文本
func SplitCommands(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// CredentialSet 持久化的凭据组，密钥字段均为密文
type CredentialSet struct {
	ID                    string    `json:"id"`
	Username              string    `json:"username"`
	AuthType              AuthKind  `json:"auth_type"`
	PasswordEncrypted     string    `json:"password_encrypted,omitempty"`
	PrivateKeyEncrypted   string    `json:"private_key_encrypted,omitempty"`
	SudoPasswordEncrypted string    `json:"sudo_password_encrypted,omitempty"`
	Description           string    `json:"description"`
	Priority              int       `json:"priority"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SortCredentialSets 按优先级从高到低，同优先级按创建时间
func SortCredentialSets(sets []CredentialSet) []CredentialSet {
	out := append([]CredentialSet(nil), sets...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Frequency 定时扫描频率
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// Schedule 定时扫描
type Schedule struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	Description           string     `json:"description"`
	Subnets               string     `json:"subnets"`
	Username              string     `json:"username"`
	AuthType              AuthKind   `json:"auth_type"`
	PasswordEncrypted     string     `json:"password_encrypted,omitempty"`
	PrivateKeyEncrypted   string     `json:"private_key_encrypted,omitempty"`
	SudoPasswordEncrypted string     `json:"sudo_password_encrypted,omitempty"`
	CredentialSetIDs      []string   `json:"credential_set_ids,omitempty"`
	TemplateID            string     `json:"command_template_id,omitempty"`
	CustomCommands        string     `json:"custom_commands,omitempty"`
	CollectServerInfo     bool       `json:"collect_server_info"`
	CollectDetailedInfo   bool       `json:"collect_detailed_info"`
	Concurrency           int        `json:"concurrency"`
	Frequency             Frequency  `json:"schedule_frequency"`
	CustomIntervalMinutes int        `json:"custom_interval_minutes,omitempty"`
	StartDate             time.Time  `json:"start_date"`
	EndDate               *time.Time `json:"end_date,omitempty"`
	NextRun               *time.Time `json:"next_run,omitempty"`
	LastRun               *time.Time `json:"last_run,omitempty"`
	Active                bool       `json:"is_active"`
	SessionIDs            []string   `json:"session_ids,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Due 当前是否应触发
func (s *Schedule) Due(now time.Time) bool {
	if !s.Active || s.NextRun == nil {
		return false
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return false
	}
	return !s.NextRun.After(now)
}

// CalculateNextRun 计算 after 之后的下一次触发时间；once 或超出 end_date 时返回 nil
func (s *Schedule) CalculateNextRun(after time.Time) *time.Time {
	var next time.Time
	if after.Before(s.StartDate) {
		next = s.StartDate
	} else {
		switch s.Frequency {
		case FrequencyOnce:
			if s.LastRun != nil {
				return nil
			}
			next = s.StartDate
		case FrequencyHourly:
			next = after.Add(time.Hour)
		case FrequencyDaily:
			next = after.AddDate(0, 0, 1)
		case FrequencyWeekly:
			next = after.AddDate(0, 0, 7)
		case FrequencyMonthly:
			next = after.AddDate(0, 1, 0)
		case FrequencyCustom:
			minutes := s.CustomIntervalMinutes
			if minutes <= 0 {
				minutes = 60
			}
			next = after.Add(time.Duration(minutes) * time.Minute)
		default:
			return nil
		}
	}
	if s.EndDate != nil && next.After(*s.EndDate) {
		return nil
	}
	return &next
}
