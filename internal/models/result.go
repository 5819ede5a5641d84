package models

import "time"

// HostStatus 单台主机的扫描状态
type HostStatus string

const (
	HostPending HostStatus = "pending"
	HostSuccess HostStatus = "success"
	HostFailed  HostStatus = "failed"
)

// Terminal 是否已是终态
func (s HostStatus) Terminal() bool {
	return s == HostSuccess || s == HostFailed
}

// ExitSentinel 命令未能执行（连接异常、超时等）时记录的退出码
const ExitSentinel = -1

// CommandOutcome 单条命令的执行结果
type CommandOutcome struct {
	Command    string `json:"command"`
	ExitStatus int    `json:"exit_status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Success    bool   `json:"success"`
	Elevated   bool   `json:"elevated,omitempty"`
}

// HostResult 一台主机一次扫描的结果。执行器创建并独占修改，终态后只读交给调用方
type HostResult struct {
	Target          string           `json:"ip_address"`
	Status          HostStatus       `json:"status_code"`
	SSHConnected    bool             `json:"ssh_status"`
	SudoAvailable   bool             `json:"sudo_status"`
	CommandStatus   bool             `json:"command_status"`
	Commands        []CommandOutcome `json:"command_output"`
	SkippedCommands []string         `json:"skipped_commands,omitempty"`
	ServerInfo      map[string]any   `json:"server_info"`
	Error           *string          `json:"error_message"`
	CredentialUsed  string           `json:"credential_used,omitempty"`
	ExecutionTime   float64          `json:"execution_time"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NewHostResult 初始状态为 pending
func NewHostResult(target string) *HostResult {
	return &HostResult{
		Target:    target,
		Status:    HostPending,
		Commands:  []CommandOutcome{},
		CreatedAt: time.Now().UTC(),
	}
}

// ErrorMessage 返回错误信息，无错误时为空串
func (r *HostResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Fail 以失败终结，保留已记录的 ssh/sudo/命令状态
func (r *HostResult) Fail(msg string) {
	r.Status = HostFailed
	r.Error = &msg
}

// Succeed 以成功终结
func (r *HostResult) Succeed() {
	r.Status = HostSuccess
}
