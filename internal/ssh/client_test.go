package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperer/internal/models"
	"whisperer/internal/testutil"
)

func newDialer(srv *testutil.Server) *Dialer {
	return &Dialer{Timeout: 2 * time.Second, Dial: srv.DialTo()}
}

func pw(label, user, pass string, prio int) models.Credential {
	return models.Credential{Label: label, Username: user, Auth: models.PasswordAuth(pass), Priority: prio}
}

func TestConnectPassword(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.Users["alice"] = "s3cret"

	conn, used, err := newDialer(srv).Connect(context.Background(), "10.0.0.1", []models.Credential{pw("a", "alice", "s3cret", 0)}, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "alice", used.Username)
	assert.Equal(t, "10.0.0.1", conn.Target)
}

func TestConnectPublicKey(t *testing.T) {
	srv := testutil.NewServer(t)
	pemText, pub := testutil.GenerateKey(t)
	srv.Keys["deploy"] = pub

	cred := models.Credential{Username: "deploy", Auth: models.KeyAuth(pemText)}
	conn, used, err := newDialer(srv).Connect(context.Background(), "10.0.0.2", []models.Credential{cred}, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, models.AuthKey, used.Auth.Kind)
}

func TestConnectPriorityOrder(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.Users["low"] = "pw"
	srv.Users["high"] = "pw"

	creds := []models.Credential{
		pw("low", "low", "pw", 1),
		pw("high", "high", "pw", 9),
	}
	conn, used, err := newDialer(srv).Connect(context.Background(), "10.0.0.3", creds, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "high", used.Username)
}

func TestConnectFallsThroughToWorkingCandidate(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.Users["ops"] = "right"

	creds := []models.Credential{
		pw("first", "ops", "wrong", 5),
		pw("second", "ops", "right", 1),
	}
	conn, used, err := newDialer(srv).Connect(context.Background(), "10.0.0.4", creds, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "second", used.Label)
}

func TestConnectFallback(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.Users["root"] = "toor"

	fallback := pw("", "root", "toor", 0)
	conn, used, err := newDialer(srv).Connect(context.Background(), "10.0.0.5", []models.Credential{pw("x", "root", "nope", 0)}, &fallback)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "root", used.Username)
	assert.Equal(t, "toor", used.Auth.Secret)
}

func TestConnectAllRejected(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.Users["root"] = "toor"

	fallback := pw("", "root", "bad2", 0)
	_, _, err := newDialer(srv).Connect(context.Background(), "10.0.0.6", []models.Credential{pw("one", "root", "bad1", 0)}, &fallback)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
	assert.Contains(t, strings.ToLower(err.Error()), "authentication")

	var all *AllFailedError
	require.True(t, errors.As(err, &all))
	require.Len(t, all.Attempts, 2)
	assert.True(t, strings.HasPrefix(all.Attempts[0].Label, "one"))
	assert.True(t, strings.HasPrefix(all.Attempts[1].Label, "fallback"))
}

func TestConnectNoCredentials(t *testing.T) {
	srv := testutil.NewServer(t)
	_, _, err := newDialer(srv).Connect(context.Background(), "10.0.0.7", nil, &models.Credential{Username: "root"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestConnectTimeout(t *testing.T) {
	addr := testutil.SilentListener(t)
	d := &Dialer{
		Timeout: 300 * time.Millisecond,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, addr)
		},
	}
	start := time.Now()
	_, _, err := d.Connect(context.Background(), "10.0.0.8", []models.Credential{pw("", "root", "pw", 0)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := &Dialer{
		Timeout: time.Second,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, addr)
		},
	}
	_, _, err = d.Connect(context.Background(), "10.0.0.9", []models.Credential{pw("", "root", "pw", 0)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.True(t, strings.HasPrefix(err.Error(), "Connection failed"))
}

func TestInvalidKeyIsAuthFailure(t *testing.T) {
	srv := testutil.NewServer(t)
	cred := models.Credential{Username: "root", Auth: models.KeyAuth("not a key")}
	_, _, err := newDialer(srv).Connect(context.Background(), "10.0.0.10", []models.Credential{cred}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
	assert.Contains(t, err.Error(), "invalid private key")
}

func TestHostKeyCallbackEmptyPath(t *testing.T) {
	cb, err := HostKeyCallback("  ")
	require.NoError(t, err)
	assert.NotNil(t, cb)

	_, err = HostKeyCallback("/nonexistent/known_hosts")
	assert.Error(t, err)
}
