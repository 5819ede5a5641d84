// Package audit 追加写入审计日志：扫描会话、主机结果与交互式连接，一行一条事件
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/cmdpolicy"
	"whisperer/internal/models"
	"whisperer/internal/scan"
)

var _ scan.Observer = (*Log)(nil)

// Log 审计日志文件，每行立即 Sync，进程异常退出时也能落盘
type Log struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// DefaultPath 数据目录下的 audit.log
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "audit.log")
}

// Open 创建所在目录；文件在首次写入时创建
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &Log{path: path, now: time.Now}, nil
}

// Path 日志文件路径
func (l *Log) Path() string { return l.path }

func (l *Log) write(event string, fields ...string) {
	line := l.now().UTC().Format(time.RFC3339) + " " + event
	for _, f := range fields {
		line += " " + f
	}
	line += "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		log.WithError(err).WithField("path", l.path).Warn("Audit log unavailable")
		return
	}
	_, _ = f.WriteString(line)
	_ = f.Sync()
	_ = f.Close()
}

func kv(k, v string) string {
	return k + "=" + escape(v)
}

func (l *Log) SessionStarted(s *models.ScanSession) {
	sum := s.Summary()
	l.write("scan", kv("session", s.ID), kv("user", s.Username), kv("auth", string(s.AuthType)),
		fmt.Sprintf("targets=%d", sum.TotalCount), fmt.Sprintf("concurrency=%d", s.Concurrency), "status=started")
}

func (l *Log) HostFinished(sessionID string, r *models.HostResult) {
	fields := []string{
		kv("session", sessionID), kv("host", r.Target), kv("status", string(r.Status)),
		fmt.Sprintf("ssh=%t", r.SSHConnected), fmt.Sprintf("sudo=%t", r.SudoAvailable),
		fmt.Sprintf("commands=%d", len(r.Commands)),
	}
	if r.CredentialUsed != "" {
		fields = append(fields, kv("credential", r.CredentialUsed))
	}
	if len(r.SkippedCommands) > 0 {
		fields = append(fields, fmt.Sprintf("skipped=%d", len(r.SkippedCommands)))
	}
	if msg := r.ErrorMessage(); msg != "" {
		fields = append(fields, kv("err", cmdpolicy.Redact(msg)))
	}
	l.write("host", fields...)
}

func (l *Log) SessionCompleted(s *models.ScanSession) {
	sum := s.Summary()
	l.write("scan", kv("session", s.ID), "status=completed",
		fmt.Sprintf("success=%d", sum.SuccessCount), fmt.Sprintf("failed=%d", sum.FailedCount))
}

// ConnectStart 交互式连接发起时记录（阻塞在 SSH 握手之前）
func (l *Log) ConnectStart(target string, cred *models.Credential) {
	l.write("connect", kv("host", target), kv("user", cred.Username), kv("secret", cmdpolicy.Fingerprint(cred.Auth.Secret)), "status=started")
}

// Connect 交互式连接结束：成功或失败
func (l *Log) Connect(target string, cred *models.Credential, connectErr error) {
	fields := []string{kv("host", target), kv("user", cred.Username)}
	if connectErr != nil {
		fields = append(fields, "status=failure", kv("err", cmdpolicy.Redact(connectErr.Error())))
	} else {
		fields = append(fields, "status=success")
	}
	l.write("connect", fields...)
}

func escape(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "\t", "_")
	if strings.ContainsAny(s, "\n\"\\") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
