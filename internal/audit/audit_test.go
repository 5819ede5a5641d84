package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperer/internal/models"
)

func openLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "audit.log"))
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func lines(t *testing.T, l *Log) []string {
	t.Helper()
	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestScanEvents(t *testing.T) {
	l := openLog(t)
	s := models.NewScanSession("sess-1", 4)
	s.Username = "ops team"
	s.AuthType = models.AuthPassword
	s.Track([]string{"10.0.0.1"})

	l.SessionStarted(s)
	r := models.NewHostResult("10.0.0.1")
	r.Fail("SSH authentication failed: password=hunter2 rejected")
	l.HostFinished(s.ID, r)
	s.Record(r)
	require.True(t, s.Complete())
	l.SessionCompleted(s)

	got := lines(t, l)
	require.Len(t, got, 3)
	assert.Equal(t, "2026-03-01T12:00:00Z scan session=sess-1 user=ops_team auth=password targets=1 concurrency=4 status=started", got[0])
	assert.True(t, strings.HasPrefix(got[1], "2026-03-01T12:00:00Z host session=sess-1 host=10.0.0.1 status=failed ssh=false"))
	assert.Contains(t, got[1], "***REDACTED***")
	assert.NotContains(t, got[1], "hunter2")
	assert.Contains(t, got[2], "status=completed success=0 failed=1")
}

func TestConnectEvents(t *testing.T) {
	l := openLog(t)
	cred := &models.Credential{Username: "root", Auth: models.PasswordAuth("toor")}
	l.ConnectStart("10.0.0.9", cred)
	l.Connect("10.0.0.9", cred, errors.New("Connection timed out: dial"))
	l.Connect("10.0.0.9", cred, nil)

	got := lines(t, l)
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "status=started")
	assert.NotContains(t, got[0], "toor")
	assert.Contains(t, got[1], "status=failure err=Connection_timed_out:_dial")
	assert.Contains(t, got[2], "status=success")
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "a_b", escape("a b"))
	assert.Equal(t, `"x\ny"`, escape("x\ny"))
}
