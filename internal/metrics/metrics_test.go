package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperer/internal/models"
)

func result(target string, fail string) *models.HostResult {
	r := models.NewHostResult(target)
	r.ExecutionTime = 1.5
	if fail != "" {
		r.Fail(fail)
	} else {
		r.Succeed()
	}
	return r
}

func TestCollectorCounts(t *testing.T) {
	c := New()
	s := models.NewScanSession("s1", 2)

	c.SessionStarted(s)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsRunning))

	ok := result("10.0.0.1", "")
	ok.Commands = []models.CommandOutcome{{Command: "uptime", Success: true}, {Command: "ls /x", Success: false}}
	ok.SkippedCommands = []string{"rm -rf /", "cat a | b"}
	c.HostFinished(s.ID, ok)
	c.HostFinished(s.ID, result("10.0.0.2", "SSH authentication failed: bad"))
	c.HostFinished(s.ID, result("10.0.0.3", "Connection timed out: dial"))
	c.SessionCompleted(s)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hostsTotal.WithLabelValues("success", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hostsTotal.WithLabelValues("failed", "auth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hostsTotal.WithLabelValues("failed", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.commandsTotal.WithLabelValues("skipped")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.hostDuration))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "none", Reason(result("a", "")))
	assert.Equal(t, "policy", Reason(result("a", "command batch rejected by policy")))
	assert.Equal(t, "internal", Reason(result("a", "internal error: boom")))
	assert.Equal(t, "connection", Reason(result("a", "Connection failed: refused")))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New()
	c.SessionStarted(models.NewScanSession("s", 1))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "whisperer_scan_sessions_running 1")
}
