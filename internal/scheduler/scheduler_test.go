package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/store"
)

const brokerPlan = `
plan_id: broker_spokeo
version: 1.0.0
targets:
  site:
    kind: website
    base_url: https://example.com
tasks:
  - id: A
    name: fetch
    type: http.request
    input:
      method: GET
      url: https://example.com
`

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	plansRoot := filepath.Join(dir, "plans", "brokers")
	require.NoError(t, os.MkdirAll(plansRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plansRoot, "spokeo.yaml"), []byte(brokerPlan), 0o644))

	s, err := store.Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	loader := plan.NewLoader(filepath.Join(dir, "plans"))
	sch := New(s, loader, time.Hour, nil)
	return sch, s
}

func TestTickCreatesRunAndAdvancesSchedule(t *testing.T) {
	sch, s := newTestScheduler(t)
	require.NoError(t, s.CreateSchedule(&store.Schedule{
		ScheduleID: "sched-1", BrokerID: "spokeo", ProfileID: "profile-1",
		ScanType: "discovery", NextRunAt: time.Now().Add(-time.Minute), IntervalDays: 30, Enabled: true,
	}))

	sch.Tick(context.Background())

	updated, err := s.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.NotEqual(t, "", updated.LastRunID)
	assert.True(t, updated.NextRunAt.After(time.Now().Add(29*24*time.Hour)))
}

func TestTickDedupsByBrokerWithinOneTick(t *testing.T) {
	sch, s := newTestScheduler(t)
	require.NoError(t, s.CreateSchedule(&store.Schedule{
		ScheduleID: "sched-a", BrokerID: "spokeo", ProfileID: "profile-a",
		ScanType: "discovery", NextRunAt: time.Now().Add(-time.Minute), IntervalDays: 30, Enabled: true,
	}))
	require.NoError(t, s.CreateSchedule(&store.Schedule{
		ScheduleID: "sched-b", BrokerID: "spokeo", ProfileID: "profile-b",
		ScanType: "discovery", NextRunAt: time.Now().Add(-time.Minute), IntervalDays: 30, Enabled: true,
	}))

	sch.Tick(context.Background())

	a, err := s.GetSchedule("sched-a")
	require.NoError(t, err)
	b, err := s.GetSchedule("sched-b")
	require.NoError(t, err)

	// Both schedules advance (neither is starved), but only one broker-id
	// is actually dispatched per tick (spec.md §4.5 step 2).
	assert.NotEqual(t, "", a.LastRunID)
	assert.NotEqual(t, "", b.LastRunID)
	queued, err := s.ClaimCandidates(10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestTickIgnoresNotYetDueSchedule(t *testing.T) {
	sch, s := newTestScheduler(t)
	require.NoError(t, s.CreateSchedule(&store.Schedule{
		ScheduleID: "sched-future", BrokerID: "spokeo", ProfileID: "profile-1",
		ScanType: "discovery", NextRunAt: time.Now().Add(time.Hour), IntervalDays: 30, Enabled: true,
	}))

	sch.Tick(context.Background())

	updated, err := s.GetSchedule("sched-future")
	require.NoError(t, err)
	assert.Equal(t, "", updated.LastRunID)
}

func TestTickAdvancesWithSyntheticSentinelOnMissingPlan(t *testing.T) {
	sch, s := newTestScheduler(t)
	require.NoError(t, s.CreateSchedule(&store.Schedule{
		ScheduleID: "sched-missing", BrokerID: "no-such-broker", ProfileID: "profile-1",
		ScanType: "discovery", NextRunAt: time.Now().Add(-time.Minute), IntervalDays: 30, Enabled: true,
	}))

	sch.Tick(context.Background())

	updated, err := s.GetSchedule("sched-missing")
	require.NoError(t, err)
	assert.Contains(t, updated.LastRunID, "skipped-")
	assert.True(t, updated.NextRunAt.After(time.Now().Add(29*24*time.Hour)))
}

func TestBootstrapProfileSkipsBrokersWithoutPlanFile(t *testing.T) {
	sch, s := newTestScheduler(t)
	catalog := &Catalog{
		brokers: map[string]Broker{
			"spokeo":     {ID: "spokeo", PlanFile: "brokers/spokeo.yaml", RecheckDays: 30},
			"lexisnexis": {ID: "lexisnexis", PlanFile: "", RecheckDays: 90},
		},
		order: []string{"spokeo", "lexisnexis"},
	}

	ids, err := sch.BootstrapProfile("profile-123", catalog)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	schedules, err := s.ListEnabledSchedules()
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "spokeo", schedules[0].BrokerID)
	assert.Equal(t, "profile-123", schedules[0].ProfileID)
}

func TestBootstrapProfileIsIdempotent(t *testing.T) {
	sch, _ := newTestScheduler(t)
	catalog := &Catalog{
		brokers: map[string]Broker{
			"spokeo": {ID: "spokeo", PlanFile: "brokers/spokeo.yaml", RecheckDays: 30},
		},
		order: []string{"spokeo"},
	}

	ids1, err := sch.BootstrapProfile("profile-1", catalog)
	require.NoError(t, err)
	assert.Len(t, ids1, 1)

	ids2, err := sch.BootstrapProfile("profile-1", catalog)
	require.NoError(t, err)
	assert.Len(t, ids2, 0)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
brokers:
  - id: spokeo
    name: Spokeo
    category: people-search
    removal_method: web_form
    difficulty: easy
    plan_file: brokers/spokeo.yaml
    recheck_days: 30
  - id: lexisnexis
    name: LexisNexis
    category: background-check
    removal_method: mail_or_fax
    difficulty: hard
    recheck_days: 90
`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	spokeo, ok := c.Get("spokeo")
	require.True(t, ok)
	assert.Equal(t, "brokers/spokeo.yaml", spokeo.PlanFile)

	lexis, ok := c.Get("lexisnexis")
	require.True(t, ok)
	assert.Equal(t, "", lexis.PlanFile)
	assert.Equal(t, 90, lexis.RecheckDays)
}

func TestLoadCatalogRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
brokers:
  - id: spokeo
    name: Spokeo
    category: people-search
    removal_method: web_form
    difficulty: easy
    recheck_days: 30
  - id: spokeo
    name: Spokeo Again
    category: people-search
    removal_method: web_form
    difficulty: easy
    recheck_days: 30
`), 0o644))

	_, err := LoadCatalog(path)
	assert.Error(t, err)
}
