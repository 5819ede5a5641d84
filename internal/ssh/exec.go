package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"whisperer/internal/models"
)

// MaxOutputBytes 单条命令 stdout/stderr 各自保留的上限
const MaxOutputBytes = 1 << 20

// ExecResult 远程命令的执行结果；Err 非空表示命令没有正常结束（超时、会话异常）
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	Err        error
}

// OK 正常结束且退出码为 0
func (r ExecResult) OK() bool {
	return r.Err == nil && r.ExitStatus == 0
}

// Run 在新会话中执行命令，ctx 到期时杀掉远程进程并返回 ErrTimeout
func (c *Conn) Run(ctx context.Context, command string) ExecResult {
	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{ExitStatus: models.ExitSentinel, Err: fmt.Errorf("%w: 创建会话失败: %v", ErrConnection, err)}
	}
	defer session.Close()

	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		return ExecResult{ExitStatus: models.ExitSentinel, Err: fmt.Errorf("start %q: %w", command, err)}
	}
	err = wait(ctx, session)
	return finish(command, stdout.String(), stderr.String(), err)
}

// RunSudo 通过带 PTY 的会话执行 sudo 命令：远程提示输入密码时写入一次 secret，
// 再次提示（密码错误）时关闭 stdin 让 sudo 失败退出。PTY 下 stderr 并入 stdout
func (c *Conn) RunSudo(ctx context.Context, command, secret string) ExecResult {
	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{ExitStatus: models.ExitSentinel, Err: fmt.Errorf("%w: 创建会话失败: %v", ErrConnection, err)}
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
		return ExecResult{ExitStatus: models.ExitSentinel, Err: fmt.Errorf("请求 PTY 失败: %w", err)}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return ExecResult{ExitStatus: models.ExitSentinel, Err: err}
	}
	out := &promptWriter{buf: cappedBuffer{limit: MaxOutputBytes}, stdin: stdin, secret: secret}
	session.Stdout = out
	session.Stderr = out

	if err := session.Start(command); err != nil {
		return ExecResult{ExitStatus: models.ExitSentinel, Err: fmt.Errorf("start %q: %w", command, err)}
	}
	err = wait(ctx, session)
	return finish(command, cleanPTYOutput(out.String(), secret), "", err)
}

func wait(ctx context.Context, session *ssh.Session) error {
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func finish(command, stdout, stderr string, err error) ExecResult {
	res := ExecResult{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return res
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res
	}
	res.ExitStatus = models.ExitSentinel
	if errors.Is(err, ErrTimeout) {
		res.Err = fmt.Errorf("command %q %w", command, ErrTimeout)
		return res
	}
	res.Err = fmt.Errorf("command %q: %w", command, err)
	return res
}

// cappedBuffer 超过 limit 的输出被丢弃，Write 仍返回成功以免阻塞远程进程
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

var sudoPrompt = regexp.MustCompile(`(?i)(\[sudo\] password[^:]*:|password for \S+:|^password:)\s?`)

// promptWriter 累积 PTY 输出，检测 sudo 密码提示
type promptWriter struct {
	buf     cappedBuffer
	stdin   io.WriteCloser
	secret  string
	mu      sync.Mutex
	tail    string
	prompts int
}

func (w *promptWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)

	w.mu.Lock()
	w.tail += string(p)
	// 只在尾部窗口里找提示，避免对整段输出反复匹配
	if len(w.tail) > 256 {
		w.tail = w.tail[len(w.tail)-256:]
	}
	found := sudoPrompt.MatchString(lastLine(w.tail))
	if found {
		w.prompts++
		w.tail = ""
	}
	prompts := w.prompts
	w.mu.Unlock()

	if found {
		if prompts == 1 {
			go func() { _, _ = io.WriteString(w.stdin, w.secret+"\n") }()
		} else {
			go func() { _ = w.stdin.Close() }()
		}
	}
	return n, err
}

func (w *promptWriter) String() string {
	return w.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimRight(s, " ")
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cleanPTYOutput 统一换行，去掉 sudo 提示行，并确保 secret 不会出现在输出里
func cleanPTYOutput(s, secret string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if loc := sudoPrompt.FindStringIndex(l); loc != nil {
			l = l[loc[1]:]
			if strings.TrimSpace(l) == "" {
				continue
			}
		}
		kept = append(kept, l)
	}
	out := strings.TrimLeft(strings.Join(kept, "\n"), "\n")
	if secret != "" {
		out = maskToken(out, secret)
	}
	return out
}

// maskToken 只替换前后为空白或文本边界的完整 secret，包含它的普通单词保持原样
func maskToken(s, secret string) string {
	const mask = "********"
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], secret)
		if j < 0 {
			break
		}
		start, end := i+j, i+j+len(secret)
		if (start == 0 || isSpace(s[start-1])) && (end == len(s) || isSpace(s[end])) {
			s = s[:start] + mask + s[end:]
			i = start + len(mask)
			continue
		}
		i = start + 1
	}
	return s
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
