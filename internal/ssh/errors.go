package ssh

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

var (
	// ErrAuthFailed 服务器拒绝了凭据（或私钥无法解析）
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTimeout 连接、握手或命令超时
	ErrTimeout = errors.New("timed out")
	// ErrConnection 网络层错误：拒绝连接、不可达、握手中断等
	ErrConnection = errors.New("connection error")
	// ErrNoCredentials 既没有候选凭据也没有后备凭据
	ErrNoCredentials = errors.New("no credentials supplied")
)

// AttemptError 一次凭据尝试的失败原因
type AttemptError struct {
	Label string
	Kind  error
	Err   error
}

func (e *AttemptError) Error() string {
	return e.Label + ": " + e.Err.Error()
}

func (e *AttemptError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// AllFailedError 所有候选凭据与后备凭据均失败，按尝试顺序保留每次的原因
type AllFailedError struct {
	Target   string
	Attempts []*AttemptError
}

func (e *AllFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "SSH authentication failed: " + ErrNoCredentials.Error()
	}
	reasons := make([]string, len(e.Attempts))
	timeouts, auth := 0, 0
	for i, a := range e.Attempts {
		reasons[i] = a.Error()
		switch a.Kind {
		case ErrTimeout:
			timeouts++
		case ErrAuthFailed:
			auth++
		}
	}
	var prefix string
	switch {
	case timeouts == len(e.Attempts):
		prefix = "Connection timed out"
	case auth > 0:
		prefix = "SSH authentication failed"
	default:
		prefix = "Connection failed"
	}
	return prefix + ": " + strings.Join(reasons, "; ")
}

func (e *AllFailedError) Unwrap() []error {
	if len(e.Attempts) == 0 {
		return []error{ErrAuthFailed, ErrNoCredentials}
	}
	out := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a
	}
	return out
}

// classify 将底层错误归为超时 / 认证 / 连接三类
func classify(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timed out"):
		return ErrTimeout
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return ErrAuthFailed
	}
	return ErrConnection
}
