//go:build !windows

package ssh

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// watchWindowSize 收到 SIGWINCH 时把新的终端尺寸发给远程
func watchWindowSize(done <-chan struct{}, session *ssh.Session, fd int) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	defer signal.Stop(sig)
	for {
		select {
		case <-done:
			return
		case <-sig:
			w, h, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			_ = session.WindowChange(h, w)
		}
	}
}
