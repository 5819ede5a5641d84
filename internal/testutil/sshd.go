// Package testutil 测试用的进程内 SSH 服务端
package testutil

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Exec 一次远程命令调用
type Exec struct {
	Command string
	User    string
	PTY     bool
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Done 客户端关闭会话或发来信号时关闭
	Done <-chan struct{}
}

// Handler 处理命令并返回退出码
type Handler func(e *Exec) int

// Server 支持密码/公钥认证、exec、pty-req 与 sudo 密码提示
type Server struct {
	Addr string

	// Users 用户名 -> 密码
	Users map[string]string
	// Keys 用户名 -> 允许的公钥
	Keys map[string]ssh.PublicKey
	// SudoPassword 为空表示该用户没有 sudo 权限
	SudoPassword string
	// NoPasswordSudo sudo -n 无需密码
	NoPasswordSudo bool

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	listener net.Listener
	config   *ssh.ServerConfig
	commands []string
	active   atomic.Int32
	peak     atomic.Int32
}

// NewServer 在 127.0.0.1 随机端口启动，测试结束时自动关闭
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Users:    map[string]string{},
		Keys:     map[string]ssh.PublicKey{},
		handlers: map[string]Handler{},
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkKey,
	}
	s.config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

// Handle 注册精确匹配的命令
func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// HandleDefault 未注册命令的处理函数；不设置时返回 127
func (s *Server) HandleDefault(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// Reply 输出固定内容并以 code 退出
func Reply(stdout string, code int) Handler {
	return func(e *Exec) int {
		_, _ = io.WriteString(e.Stdout, stdout)
		return code
	}
}

// Commands 按到达顺序返回收到的命令
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.commands...)
}

// PeakSessions 同时打开的会话数峰值
func (s *Server) PeakSessions() int {
	return int(s.peak.Load())
}

// DialTo 返回把任意地址都拨到本服务端的拨号函数
func (s *Server) DialTo() func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, s.Addr)
	}
}

func (s *Server) checkPassword(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	want, ok := s.Users[meta.User()]
	if ok && want == string(pass) {
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("password rejected for %q", meta.User())
}

func (s *Server) checkKey(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	want, ok := s.Keys[meta.User()]
	if ok && string(want.Marshal()) == string(key.Marshal()) {
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("unknown public key for %q", meta.User())
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()
	conn, chans, reqs, err := ssh.NewServerConn(raw, s.config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(conn.User(), ch, chReqs)
	}
}

func (s *Server) handleSession(user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer s.active.Add(-1)

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()

	pty := false
	started := false
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			pty = true
			_ = req.Reply(true, nil)
		case "env":
			_ = req.Reply(true, nil)
		case "signal":
			stop()
		case "exec":
			if started {
				_ = req.Reply(false, nil)
				continue
			}
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			started = true
			_ = req.Reply(true, nil)
			go s.exec(&Exec{
				Command: payload.Command,
				User:    user,
				PTY:     pty,
				Stdin:   bufio.NewReader(ch),
				Stdout:  ch,
				Stderr:  stderrFor(ch, pty),
				Done:    done,
			}, ch)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func stderrFor(ch ssh.Channel, pty bool) io.Writer {
	if pty {
		return ch
	}
	return ch.Stderr()
}

func (s *Server) exec(e *Exec, ch ssh.Channel) {
	s.mu.Lock()
	s.commands = append(s.commands, e.Command)
	s.mu.Unlock()

	code := s.dispatch(e)
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	_ = ch.Close()
}

func (s *Server) dispatch(e *Exec) int {
	if inner, ok := strings.CutPrefix(e.Command, "sudo "); ok {
		return s.sudo(e, strings.TrimSpace(inner))
	}
	return s.run(e)
}

func (s *Server) run(e *Exec) int {
	s.mu.RLock()
	h, ok := s.handlers[e.Command]
	fallback := s.fallback
	s.mu.RUnlock()
	switch {
	case ok:
		return h(e)
	case e.Command == "true":
		return 0
	case e.Command == "false":
		return 1
	case strings.HasPrefix(e.Command, "echo "):
		_, _ = io.WriteString(e.Stdout, strings.TrimPrefix(e.Command, "echo ")+"\n")
		return 0
	case fallback != nil:
		return fallback(e)
	}
	_, _ = fmt.Fprintf(e.Stderr, "sh: %s: command not found\n", e.Command)
	return 127
}

// sudo 模拟 sudo：-n 时不提示；否则需要 PTY 并最多接受两次输入
func (s *Server) sudo(e *Exec, inner string) int {
	if rest, ok := strings.CutPrefix(inner, "-n "); ok {
		if !s.NoPasswordSudo {
			_, _ = io.WriteString(e.Stderr, "sudo: a password is required\n")
			return 1
		}
		e.Command = strings.TrimSpace(rest)
		return s.run(e)
	}
	if s.SudoPassword == "" && !s.NoPasswordSudo {
		_, _ = fmt.Fprintf(e.Stderr, "%s is not in the sudoers file.\n", e.User)
		return 1
	}
	if s.NoPasswordSudo {
		e.Command = inner
		return s.run(e)
	}
	if !e.PTY {
		_, _ = io.WriteString(e.Stderr, "sudo: a terminal is required to read the password\n")
		return 1
	}
	in := e.Stdin.(*bufio.Reader)
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			_, _ = io.WriteString(e.Stdout, "Sorry, try again.\r\n")
		}
		_, _ = fmt.Fprintf(e.Stdout, "[sudo] password for %s: ", e.User)
		line, err := in.ReadString('\n')
		if errors.Is(err, io.EOF) && line == "" {
			_, _ = io.WriteString(e.Stdout, "\r\nsudo: no password was provided\r\n")
			return 1
		}
		_, _ = io.WriteString(e.Stdout, "\r\n")
		if strings.TrimRight(line, "\r\n") == s.SudoPassword {
			e.Command = inner
			return s.run(e)
		}
	}
	_, _ = io.WriteString(e.Stdout, "sudo: 2 incorrect password attempts\r\n")
	return 1
}

// Block 阻塞直到客户端放弃会话，用于超时测试
func Block(e *Exec) int {
	<-e.Done
	return 130
}

// SilentListener 接受连接但从不回应 SSH 版本握手
func SilentListener(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

// GenerateKey 生成 ed25519 客户端密钥，返回 OpenSSH PEM 文本与公钥
func GenerateKey(t testing.TB) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return string(pem.EncodeToMemory(block)), sshPub
}
