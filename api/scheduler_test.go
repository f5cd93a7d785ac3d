package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/audit/store"
)

func newTestScheduler(t *testing.T, now time.Time) (*NightAuditScheduler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := func() time.Time { return now }
	s := NewNightAuditScheduler(audit.NewPipeline(mem, audit.WithClock(clock)), nil)
	s.Now = clock
	return s, mem
}

func TestNightAuditScheduler_Due(t *testing.T) {
	s, _ := newTestScheduler(t, march15)
	s.RunHour = 2

	tests := []struct {
		name string
		now  time.Time
		want string
		due  bool
	}{
		{"before run hour", time.Date(2026, 3, 15, 1, 59, 0, 0, time.UTC), "", false},
		{"at run hour", time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC), "2026-03-14", true},
		{"late evening", time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC), "2026-03-14", true},
		{"new year", time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC), "2025-12-31", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, due := s.Due(tt.now)
			assert.Equal(t, tt.due, due)
			if due {
				assert.Equal(t, tt.want, audit.FormatDate(date))
			}
		})
	}
}

func TestNightAuditScheduler_WaitsForRunHour(t *testing.T) {
	s, mem := newTestScheduler(t, time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC))

	assert.Nil(t, s.RunNow())

	logs, err := mem.ListAudits(context.Background(), audit.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestNightAuditScheduler_AuditsYesterdayOnce(t *testing.T) {
	// GIVEN: It is past the run hour
	s, mem := newTestScheduler(t, march15)
	s.Actor = "scheduler-test"

	// WHEN: The scheduler checks twice
	first := s.RunNow()
	second := s.RunNow()

	// THEN: Only the first check ran an audit, for yesterday
	require.NotNil(t, first)
	assert.Equal(t, audit.StatusCompleted, first.Status)
	assert.Equal(t, "2026-03-14", audit.FormatDate(first.AuditDate))
	assert.Equal(t, "scheduler-test", first.StartedBy)
	assert.Nil(t, second)

	logs, err := mem.ListAudits(context.Background(), audit.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestNightAuditScheduler_BacksOffWhileRunInProgress(t *testing.T) {
	s, mem := newTestScheduler(t, march15)
	require.NoError(t, mem.BeginAudit(context.Background(), audit.AuditLog{
		ID:        "manual",
		AuditDate: audit.NewDate(2026, time.March, 14),
		Status:    audit.StatusInProgress,
		StartedBy: "night-manager",
		StartedAt: march15.Add(-time.Minute),
	}))

	assert.Nil(t, s.RunNow())

	logs, err := mem.ListAudits(context.Background(), audit.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "manual", logs[0].ID)
}

func TestNightAuditScheduler_StartStop(t *testing.T) {
	s, mem := newTestScheduler(t, march15)
	s.CheckInterval = time.Hour

	s.Start()
	s.Stop()

	// Start catches up immediately before waiting for the first tick
	logs, err := mem.ListAudits(context.Background(), audit.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// Stopping twice is harmless
	s.Stop()
}

func TestNightAuditScheduler_DisabledDoesNotStart(t *testing.T) {
	s, mem := newTestScheduler(t, march15)
	s.Enabled = false

	s.Start()
	s.Stop()

	logs, err := mem.ListAudits(context.Background(), audit.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestNightAuditScheduler_ReclaimsCrashedRun(t *testing.T) {
	// GIVEN: A run that crashed ten minutes ago, and a pipeline with a run lock
	mem := store.NewMemory()
	clock := func() time.Time { return march15 }
	p := audit.NewPipeline(mem, audit.WithClock(clock), audit.WithLocker(audit.NewLocalLocker()))
	s := NewNightAuditScheduler(p, nil)
	s.Now = clock
	require.NoError(t, mem.BeginAudit(context.Background(), audit.AuditLog{
		ID:        "crashed",
		AuditDate: audit.NewDate(2026, time.March, 14),
		StartedBy: "night-audit-scheduler",
		StartedAt: march15.Add(-10 * time.Minute),
	}))

	// WHEN: The scheduler checks
	result := s.RunNow()

	// THEN: Yesterday is audited instead of waiting on the dead run
	require.NotNil(t, result)
	assert.Equal(t, audit.StatusCompleted, result.Status)
	crashed, err := mem.GetAudit(context.Background(), "crashed")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailed, crashed.Status)
}

func TestNightAuditScheduler_BacksOffAfterFailedRun(t *testing.T) {
	// GIVEN: A day blocked by an orphan folio
	ctx := context.Background()
	now := march15
	mem := store.NewMemory()
	clock := func() time.Time { return now }
	s := NewNightAuditScheduler(audit.NewPipeline(mem, audit.WithClock(clock)), nil)
	s.Now = clock
	require.NoError(t, mem.SaveFolio(ctx, audit.Folio{ID: "F-ghost", ReservationID: "ghost", Status: audit.FolioOpen}))

	first := s.RunNow()
	require.NotNil(t, first)
	assert.Equal(t, audit.StatusFailed, first.Status)

	// WHEN: The next tick comes within RetryFailedAfter
	now = march15.Add(15 * time.Minute)

	// THEN: Nothing runs
	assert.Nil(t, s.RunNow())
	logs, err := mem.ListAudits(ctx, audit.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// AND: Once the back-off has passed it tries again
	now = march15.Add(s.RetryFailedAfter + time.Minute)
	second := s.RunNow()
	require.NotNil(t, second)
	logs, err = mem.ListAudits(ctx, audit.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}
