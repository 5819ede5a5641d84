// Package scan 对单台主机执行一次完整扫描，并按并发上限调度整批目标
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/cmdpolicy"
	"whisperer/internal/models"
	"whisperer/internal/profile"
	"whisperer/internal/ssh"
)

const (
	// DefaultCommandTimeout 单条命令的超时
	DefaultCommandTimeout = 30 * time.Second
	// DefaultSudoProbeTimeout sudo 探测的超时
	DefaultSudoProbeTimeout = 5 * time.Second
)

// Params 单台主机的扫描参数，同一会话内所有主机共享
type Params struct {
	Candidates      []models.Credential
	Fallback        *models.Credential
	SudoPassword    string
	Commands        []string
	Policy          cmdpolicy.Policy
	CollectInfo     bool
	CollectDetailed bool
}

// Executor 对一个目标执行扫描，总是返回终态结果
type Executor interface {
	Run(ctx context.Context, target string, p Params) *models.HostResult
}

// SSHExecutor 通过 SSH 执行扫描
type SSHExecutor struct {
	Dialer           *ssh.Dialer
	CommandTimeout   time.Duration
	SudoProbeTimeout time.Duration
}

// NewSSHExecutor 使用默认超时
func NewSSHExecutor(d *ssh.Dialer) *SSHExecutor {
	return &SSHExecutor{
		Dialer:           d,
		CommandTimeout:   DefaultCommandTimeout,
		SudoProbeTimeout: DefaultSudoProbeTimeout,
	}
}

// Run 连接 → sudo 探测 → 执行命令 → 采集画像 → 终结。
// 连接在所有路径上都会关闭，耗时总会记录
func (e *SSHExecutor) Run(ctx context.Context, target string, p Params) *models.HostResult {
	res := models.NewHostResult(target)
	start := time.Now()
	defer func() {
		res.ExecutionTime = time.Since(start).Seconds()
	}()

	logger := log.WithField("target", target)

	conn, cred, err := e.Dialer.Connect(ctx, target, p.Candidates, p.Fallback)
	if err != nil {
		res.Fail(cmdpolicy.Redact(err.Error()))
		logger.WithField("error", res.ErrorMessage()).Info("Host connection failed")
		return res
	}
	defer conn.Close()

	res.SSHConnected = true
	res.CredentialUsed = credentialName(cred)
	logger = logger.WithField("credential", res.CredentialUsed)

	secret := cred.SudoPassword
	if secret == "" {
		secret = p.SudoPassword
	}

	if len(p.Commands) > 0 {
		res.SudoAvailable = e.probeSudo(ctx, conn, secret)
	}

	allowed, rejected, err := p.Policy.Apply(p.Commands)
	for _, v := range rejected {
		res.SkippedCommands = append(res.SkippedCommands, v.Command)
	}
	if err != nil {
		res.Fail(err.Error())
		return res
	}

	res.CommandStatus = true
	for _, cmd := range allowed {
		out := e.runCommand(ctx, conn, cmd, secret)
		res.Commands = append(res.Commands, out.CommandOutcome)
		if !out.Success {
			res.CommandStatus = false
		}
		if out.lost != nil {
			res.Fail("Connection lost: " + cmdpolicy.Redact(out.lost.Error()))
			logger.WithField("command", cmdpolicy.Redact(cmd)).Warn("Connection lost while executing commands")
			return res
		}
	}

	if p.CollectInfo {
		res.ServerInfo = profile.Collect(ctx, conn, p.CollectDetailed)
	}

	if ctx.Err() != nil {
		res.Fail(fmt.Sprintf("scan aborted: %v", ctx.Err()))
		return res
	}
	res.Succeed()
	logger.WithFields(log.Fields{
		"sudo":     res.SudoAvailable,
		"commands": len(res.Commands),
		"skipped":  len(res.SkippedCommands),
	}).Info("Host scan finished")
	return res
}

// probeSudo 有 sudo 密码时通过 PTY 验证，否则尝试免密 sudo；失败只记为不可用
func (e *SSHExecutor) probeSudo(ctx context.Context, conn *ssh.Conn, secret string) bool {
	pctx, cancel := context.WithTimeout(ctx, e.sudoProbeTimeout())
	defer cancel()
	var r ssh.ExecResult
	if secret != "" {
		r = conn.RunSudo(pctx, "sudo true", secret)
	} else {
		r = conn.Run(pctx, "sudo -n true")
	}
	if r.Err != nil {
		log.WithFields(log.Fields{"target": conn.Target, "error": r.Err}).Debug("Sudo probe failed")
	}
	return r.OK()
}

type commandResult struct {
	models.CommandOutcome
	lost error
}

func (e *SSHExecutor) runCommand(ctx context.Context, conn *ssh.Conn, cmd, secret string) commandResult {
	cctx, cancel := context.WithTimeout(ctx, e.commandTimeout())
	defer cancel()

	elevated := secret != "" && isSudo(cmd)
	var r ssh.ExecResult
	if elevated {
		r = conn.RunSudo(cctx, cmd, secret)
	} else {
		r = conn.Run(cctx, cmd)
	}

	out := commandResult{CommandOutcome: models.CommandOutcome{
		Command:    cmd,
		ExitStatus: r.ExitStatus,
		Stdout:     cmdpolicy.MaskOutput(r.Stdout),
		Stderr:     cmdpolicy.MaskOutput(r.Stderr),
		Success:    r.OK(),
		Elevated:   elevated,
	}}
	if r.Err != nil {
		out.ExitStatus = models.ExitSentinel
		out.Success = false
		msg := cmdpolicy.Redact(r.Err.Error())
		if out.Stderr == "" {
			out.Stderr = msg
		} else {
			out.Stderr += "\n" + msg
		}
		if errors.Is(r.Err, ssh.ErrConnection) {
			out.lost = r.Err
		}
	}
	return out
}

func isSudo(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	return cmd == "sudo" || strings.HasPrefix(cmd, "sudo ")
}

func credentialName(c *models.Credential) string {
	if c == nil {
		return ""
	}
	if c.Label != "" {
		return c.Label
	}
	return c.Username
}

func (e *SSHExecutor) commandTimeout() time.Duration {
	if e.CommandTimeout > 0 {
		return e.CommandTimeout
	}
	return DefaultCommandTimeout
}

func (e *SSHExecutor) sudoProbeTimeout() time.Duration {
	if e.SudoProbeTimeout > 0 {
		return e.SudoProbeTimeout
	}
	return DefaultSudoProbeTimeout
}
