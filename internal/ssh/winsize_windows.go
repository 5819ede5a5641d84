//go:build windows

package ssh

import "golang.org/x/crypto/ssh"

// Windows 没有 SIGWINCH，窗口尺寸只在建立 PTY 时同步一次
func watchWindowSize(done <-chan struct{}, session *ssh.Session, fd int) {
	<-done
}
