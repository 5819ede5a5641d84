package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperer/internal/models"
	"whisperer/internal/testutil"
)

func dialAlice(t *testing.T, srv *testutil.Server) *Conn {
	t.Helper()
	srv.Users["alice"] = "s3cret"
	conn, _, err := newDialer(srv).Connect(context.Background(), "10.1.0.1", []models.Credential{pw("", "alice", "s3cret", 0)}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRunCapturesOutputAndExitStatus(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.Handle("uname -a", testutil.Reply("Linux box 6.1.0\n", 0))
	srv.Handle("ls /missing", func(e *testutil.Exec) int {
		_, _ = e.Stderr.Write([]byte("ls: cannot access '/missing'\n"))
		return 2
	})
	conn := dialAlice(t, srv)

	res := conn.Run(context.Background(), "uname -a")
	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, "Linux box 6.1.0\n", res.Stdout)

	res = conn.Run(context.Background(), "ls /missing")
	require.NoError(t, res.Err)
	assert.False(t, res.OK())
	assert.Equal(t, 2, res.ExitStatus)
	assert.Contains(t, res.Stderr, "cannot access")
	assert.Empty(t, res.Stdout)
}

func TestRunUnknownCommand(t *testing.T) {
	srv := testutil.NewServer(t)
	conn := dialAlice(t, srv)

	res := conn.Run(context.Background(), "frobnicate")
	assert.Equal(t, 127, res.ExitStatus)
	assert.Contains(t, res.Stderr, "not found")
}

func TestRunTimeout(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.Handle("sleep 100", testutil.Block)
	conn := dialAlice(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := conn.Run(ctx, "sleep 100")
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrTimeout))
	assert.Equal(t, models.ExitSentinel, res.ExitStatus)

	// 连接仍可用
	res = conn.Run(context.Background(), "true")
	assert.True(t, res.OK())
}

func TestRunSudoCorrectPassword(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.SudoPassword = "s3cret"
	srv.Handle("cat /etc/shadow", testutil.Reply("root:*:19000:0:99999:7:::\n", 0))
	conn := dialAlice(t, srv)

	res := conn.RunSudo(context.Background(), "sudo cat /etc/shadow", "s3cret")
	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, "root:*:19000:0:99999:7:::\n", res.Stdout)
	assert.NotContains(t, res.Stdout, "[sudo]")
	assert.NotContains(t, res.Stdout, "s3cret")
}

func TestRunSudoWrongPassword(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.SudoPassword = "s3cret"
	conn := dialAlice(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := conn.RunSudo(ctx, "sudo true", "wrong")
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ExitStatus)
	assert.Contains(t, res.Stdout, "Sorry, try again.")
}

func TestRunSudoNotSudoer(t *testing.T) {
	srv := testutil.NewServer(t)
	conn := dialAlice(t, srv)

	res := conn.RunSudo(context.Background(), "sudo true", "s3cret")
	assert.Equal(t, 1, res.ExitStatus)
	assert.Contains(t, res.Stdout, "not in the sudoers file")
}

func TestRunNonInteractiveSudo(t *testing.T) {
	srv := testutil.NewServer(t)
	conn := dialAlice(t, srv)

	res := conn.Run(context.Background(), "sudo -n true")
	assert.Equal(t, 1, res.ExitStatus)
	assert.Contains(t, res.Stderr, "password is required")

	srv.NoPasswordSudo = true
	res = conn.Run(context.Background(), "sudo -n true")
	assert.True(t, res.OK())
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	n, err = b.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd\n[output truncated]", b.String())
}

func TestCleanPTYOutput(t *testing.T) {
	raw := "[sudo] password for alice: \r\nline one\r\nsecret-value echoed\r\n"
	out := cleanPTYOutput(raw, "secret-value")
	assert.Equal(t, "line one\n******** echoed\n", out)
	assert.False(t, strings.Contains(out, "secret-value"))
}

func TestCleanPTYOutputMasksWholeTokensOnly(t *testing.T) {
	raw := "[sudo] password for admin: \r\nadmin\r\nuid=0(root) administrator sysadmin\r\nuser admin logged in\r\nadmin\tadmin\r\n"
	out := cleanPTYOutput(raw, "admin")
	assert.Equal(t, "********\nuid=0(root) administrator sysadmin\nuser ******** logged in\n********\t********\n", out)
}

func TestAllFailedErrorPrefix(t *testing.T) {
	timeout := &AllFailedError{Attempts: []*AttemptError{
		{Label: "a", Kind: ErrTimeout, Err: errors.New("i/o timeout")},
	}}
	assert.True(t, strings.HasPrefix(timeout.Error(), "Connection timed out"))

	mixed := &AllFailedError{Attempts: []*AttemptError{
		{Label: "a", Kind: ErrTimeout, Err: errors.New("i/o timeout")},
		{Label: "b", Kind: ErrAuthFailed, Err: errors.New("unable to authenticate")},
	}}
	assert.True(t, strings.HasPrefix(mixed.Error(), "SSH authentication failed"))
	assert.Contains(t, mixed.Error(), "a: i/o timeout; b: unable to authenticate")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, ErrAuthFailed, classify(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")))
	assert.Equal(t, ErrConnection, classify(errors.New("connection refused")))
}

func TestRunAfterCloseIsConnectionError(t *testing.T) {
	srv := testutil.NewServer(t)
	conn := dialAlice(t, srv)
	require.NoError(t, conn.Close())

	res := conn.Run(context.Background(), "true")
	assert.True(t, errors.Is(res.Err, ErrConnection))
	assert.Equal(t, models.ExitSentinel, res.ExitStatus)
}
