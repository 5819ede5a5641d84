package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"whisperer/internal/models"
)

const (
	// DefaultPort SSH 默认端口
	DefaultPort = 22
	// DefaultConnectTimeout 每次连接尝试（TCP + 握手 + 认证）的上限
	DefaultConnectTimeout = 10 * time.Second
)

// DialFunc 建立底层 TCP 连接，测试中可替换
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer 按凭据优先级依次尝试连接
type Dialer struct {
	Port            int
	Timeout         time.Duration
	HostKeyCallback ssh.HostKeyCallback
	Dial            DialFunc
}

// Conn 一条已认证的 SSH 连接
type Conn struct {
	Target     string
	Credential *models.Credential
	client     *ssh.Client
}

// Close 关闭连接，可重复调用
func (c *Conn) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	err := c.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// HostKeyCallback 返回主机指纹校验函数；path 为空时不校验（与交互式连接保持一致）
func HostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(path) == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("读取 known_hosts 失败: %w", err)
	}
	return cb, nil
}

func (d *Dialer) port() int {
	if d.Port > 0 {
		return d.Port
	}
	return DefaultPort
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultConnectTimeout
}

func (d *Dialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	if d.Dial != nil {
		return d.Dial(ctx, "tcp", addr)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

// Connect 候选凭据按优先级从高到低尝试，全部失败后再尝试 fallback；
// 首个成功即返回。全部失败时返回 *AllFailedError，包含每次尝试的原因
func (d *Dialer) Connect(ctx context.Context, target string, candidates []models.Credential, fallback *models.Credential) (*Conn, *models.Credential, error) {
	failed := &AllFailedError{Target: target}

	try := func(cred *models.Credential, label string) *Conn {
		conn, aerr := d.attempt(ctx, target, cred, label)
		if aerr != nil {
			failed.Attempts = append(failed.Attempts, aerr)
			log.WithFields(log.Fields{
				"target":     target,
				"credential": label,
				"kind":       aerr.Kind.Error(),
			}).Debug("Credential attempt failed")
			return nil
		}
		return conn
	}

	for i, cand := range models.SortByPriority(candidates) {
		cred := cand
		if conn := try(&cred, credentialLabel(&cred, fmt.Sprintf("credential %d", i+1))); conn != nil {
			return conn, conn.Credential, nil
		}
		if ctx.Err() != nil {
			return nil, nil, failed
		}
	}
	if fallback.Valid() {
		cred := *fallback
		if conn := try(&cred, credentialLabel(&cred, "fallback")); conn != nil {
			return conn, conn.Credential, nil
		}
	}
	return nil, nil, failed
}

func credentialLabel(c *models.Credential, def string) string {
	name := c.Label
	if name == "" {
		name = def
	}
	return fmt.Sprintf("%s (%s/%s)", name, c.Username, c.Auth.Kind)
}

// attempt 一次完整的连接 + 握手 + 认证，受 Timeout 限制
func (d *Dialer) attempt(ctx context.Context, target string, cred *models.Credential, label string) (*Conn, *AttemptError) {
	cfg, err := d.clientConfig(cred)
	if err != nil {
		return nil, &AttemptError{Label: label, Kind: ErrAuthFailed, Err: err}
	}

	timeout := d.timeout()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(target, strconv.Itoa(d.port()))
	raw, err := d.dial(actx, addr)
	if err != nil {
		return nil, &AttemptError{Label: label, Kind: classify(err), Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	// 握手阶段用连接 deadline 兜底，ctx 取消时立即断开
	_ = raw.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(actx, func() { _ = raw.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if !stop() {
		if err == nil {
			_ = sshConn.Close()
		}
		_ = raw.Close()
		if err == nil {
			err = actx.Err()
		}
		return nil, &AttemptError{Label: label, Kind: ErrTimeout, Err: err}
	}
	if err != nil {
		_ = raw.Close()
		return nil, &AttemptError{Label: label, Kind: classify(err), Err: err}
	}
	_ = raw.SetDeadline(time.Time{})

	return &Conn{
		Target:     target,
		Credential: cred,
		client:     ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

func (d *Dialer) clientConfig(cred *models.Credential) (*ssh.ClientConfig, error) {
	var auth ssh.AuthMethod
	switch cred.Auth.Kind {
	case models.AuthPassword:
		if cred.Auth.Secret == "" {
			return nil, fmt.Errorf("empty password")
		}
		auth = ssh.Password(cred.Auth.Secret)
	case models.AuthKey:
		signer, err := parsePrivateKey(cred.Auth.Secret)
		if err != nil {
			return nil, err
		}
		auth = ssh.PublicKeys(signer)
	default:
		return nil, fmt.Errorf("unsupported auth kind %q", cred.Auth.Kind)
	}
	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         d.timeout(),
	}, nil
}

func parsePrivateKey(pem string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(pem))
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("encrypted private keys are not supported: %w", err)
		}
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return signer, nil
}
