package ssh

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Shell 在当前终端打开交互式 shell；title 不为空时连接期间定期写入 /dev/tty 固定窗口标题
func (c *Conn) Shell(title string) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("创建会话失败: %w", err)
	}
	defer session.Close()

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("标准输入不是终端，无法进入交互模式")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	w, h, err := term.GetSize(fd)
	if err != nil {
		w, h = 80, 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", h, w, modes); err != nil {
		return fmt.Errorf("请求 PTY 失败: %w", err)
	}
	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	done := make(chan struct{})
	defer close(done)
	go watchWindowSize(done, session, fd)
	if title != "" {
		go keepWindowTitle(done, title)
	}

	if err := session.Shell(); err != nil {
		return err
	}
	return session.Wait()
}

// keepWindowTitle 定期向 /dev/tty 写入 OSC 标题，避免被远程覆盖
func keepWindowTitle(done <-chan struct{}, title string) {
	tty, err := os.OpenFile("/dev/tty", os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer tty.Close()
	seq := "\033]0;" + title + "\007\033]2;" + title + "\007"
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		_, _ = tty.WriteString(seq)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// ReadPassword 在终端无回显读取一行口令
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("标准输入不是终端，无法读取密码")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
