package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperer/internal/cmdpolicy"
	"whisperer/internal/models"
	"whisperer/internal/scan"
	"whisperer/internal/secrets"
	"whisperer/internal/store"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []scan.Request
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req scan.Request) (*models.ScanSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return models.NewScanSession(fmt.Sprintf("sess-%d", len(f.reqs)), req.Concurrency), nil
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, d Dispatcher) (*Scheduler, *store.Store, *secrets.Cipher) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	c, err := secrets.NewCipher("test-key")
	require.NoError(t, err)
	s := New(st, c, d, cmdpolicy.Policy{Mode: cmdpolicy.ModeFilter}, time.Minute)
	s.now = func() time.Time { return now }
	return s, st, c
}

func dueSchedule(t *testing.T, c *secrets.Cipher, freq models.Frequency) *models.Schedule {
	t.Helper()
	past := now.Add(-time.Minute)
	sc := &models.Schedule{
		Name:           "nightly",
		Subnets:        "10.0.0.0/30",
		CustomCommands: "whoami",
		Concurrency:    4,
		Frequency:      freq,
		StartDate:      now.Add(-time.Hour),
		NextRun:        &past,
		Active:         true,
	}
	require.NoError(t, c.SealSchedule(sc, models.Credential{
		Username:     "ops",
		Auth:         models.PasswordAuth("pw"),
		SudoPassword: "sudo-pw",
	}))
	return sc
}

func TestRunDueOnceSchedule(t *testing.T) {
	d := &fakeDispatcher{}
	s, st, c := setup(t, d)

	set := &models.CredentialSet{}
	require.NoError(t, c.SealCredential(set, models.Credential{Username: "root", Auth: models.PasswordAuth("r00t"), Priority: 5}))
	require.NoError(t, st.CredentialSets().Save(set))
	tpl := &models.CommandTemplate{Name: "basic", Commands: "uptime\ndf -h"}
	require.NoError(t, st.Templates().Save(tpl))

	sc := dueSchedule(t, c, models.FrequencyOnce)
	sc.CredentialSetIDs = []string{set.ID}
	sc.TemplateID = tpl.ID
	sc.CollectServerInfo = true
	require.NoError(t, st.Schedules().Save(sc))

	n, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, d.reqs, 1)
	req := d.reqs[0]
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, req.Targets)
	assert.Equal(t, 4, req.Concurrency)
	assert.Equal(t, []string{"uptime", "df -h", "whoami"}, req.Params.Commands)
	require.Len(t, req.Params.Candidates, 1)
	assert.Equal(t, "r00t", req.Params.Candidates[0].Auth.Secret)
	require.NotNil(t, req.Params.Fallback)
	assert.Equal(t, "ops", req.Params.Fallback.Username)
	assert.Equal(t, "sudo-pw", req.Params.SudoPassword)
	assert.True(t, req.Params.CollectInfo)

	saved, err := st.Schedules().Get(sc.ID)
	require.NoError(t, err)
	assert.False(t, saved.Active)
	assert.Nil(t, saved.NextRun)
	require.NotNil(t, saved.LastRun)
	assert.True(t, saved.LastRun.Equal(now))
	assert.Equal(t, []string{"sess-1"}, saved.SessionIDs)

	n, err = s.RunDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunDueAdvancesAfterDispatchError(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("closed")}
	s, st, c := setup(t, d)
	sc := dueSchedule(t, c, models.FrequencyDaily)
	require.NoError(t, st.Schedules().Save(sc))

	n, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	saved, err := st.Schedules().Get(sc.ID)
	require.NoError(t, err)
	assert.True(t, saved.Active)
	require.NotNil(t, saved.NextRun)
	assert.True(t, saved.NextRun.Equal(now.AddDate(0, 0, 1)))
	assert.Empty(t, saved.SessionIDs)
}

func TestRunDueSkipsNotDue(t *testing.T) {
	d := &fakeDispatcher{}
	s, st, c := setup(t, d)

	inactive := dueSchedule(t, c, models.FrequencyHourly)
	inactive.Active = false
	require.NoError(t, st.Schedules().Save(inactive))

	future := dueSchedule(t, c, models.FrequencyHourly)
	later := now.Add(time.Hour)
	future.NextRun = &later
	require.NoError(t, st.Schedules().Save(future))

	ended := dueSchedule(t, c, models.FrequencyHourly)
	end := now.Add(-30 * time.Second)
	ended.EndDate = &end
	require.NoError(t, st.Schedules().Save(ended))

	n, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, d.calls())
}

func TestRequestValidation(t *testing.T) {
	s, _, c := setup(t, &fakeDispatcher{})

	sc := dueSchedule(t, c, models.FrequencyOnce)
	sc.Subnets = "not-an-address"
	_, err := s.Request(sc)
	assert.ErrorIs(t, err, scan.ErrNoTargets)

	sc = dueSchedule(t, c, models.FrequencyOnce)
	sc.Username = ""
	_, err = s.Request(sc)
	assert.ErrorContains(t, err, "no credentials")

	sc = dueSchedule(t, c, models.FrequencyOnce)
	sc.TemplateID = "missing"
	_, err = s.Request(sc)
	assert.ErrorIs(t, err, store.ErrNotFound)

	s.cipher = nil
	_, err = s.Request(dueSchedule(t, c, models.FrequencyOnce))
	assert.ErrorIs(t, err, secrets.ErrNoKey)
}

func TestStartStop(t *testing.T) {
	d := &fakeDispatcher{}
	s, st, c := setup(t, d)
	s.interval = 10 * time.Millisecond
	require.NoError(t, st.Schedules().Save(dueSchedule(t, c, models.FrequencyOnce)))

	s.Start()
	s.Start()
	assert.Eventually(t, func() bool { return d.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
	assert.Equal(t, 1, d.calls())
}
