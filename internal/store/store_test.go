package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndSchema(t *testing.T) {
	s := tempStore(t)
	run, err := s.CreateRun("run-1", "plan-a", "hash-1", "tester", "", "{}")
	require.NoError(t, err)
	require.Equal(t, RunQueued, run.Status)
}

func TestCreateRunIdempotencyKeyDedup(t *testing.T) {
	s := tempStore(t)

	first, err := s.CreateRun("run-1", "plan-a", "hash-1", "tester", "k1", "{}")
	require.NoError(t, err)

	second, err := s.CreateRun("run-2", "plan-a", "hash-1", "tester", "k1", "{}")
	require.NoError(t, err)

	require.Equal(t, first.RunID, second.RunID, "relaunch with the same idempotency key must return the existing run")
}

func TestTryClaimAndRenew(t *testing.T) {
	s := tempStore(t)
	_, err := s.CreateRun("run-1", "plan-a", "hash-1", "tester", "", "{}")
	require.NoError(t, err)

	ok, err := s.TryClaim("run-1", "runner-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A different runner cannot claim while the lease is live.
	ok, err = s.TryClaim("run-1", "runner-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.RenewClaim("run-1", "runner-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Renewal under the wrong owner fails (claim_lost).
	ok, err = s.RenewClaim("run-1", "runner-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimStealAfterExpiry(t *testing.T) {
	s := tempStore(t)
	_, err := s.CreateRun("run-1", "plan-a", "hash-1", "tester", "", "{}")
	require.NoError(t, err)

	ok, err := s.TryClaim("run-1", "runner-a", -1*time.Second) // already expired
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryClaim("run-1", "runner-b", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "an expired claim must be stealable by another runner")
}

func TestTaskInstanceSucceedsOnce(t *testing.T) {
	s := tempStore(t)
	_, err := s.CreateRun("run-1", "plan-a", "hash-1", "tester", "", "{}")
	require.NoError(t, err)

	ti, err := s.InsertRunningTaskInstance(&TaskInstance{
		TaskRunID: "tr-1", RunID: "run-1", TaskID: "A", TaskIndex: 0,
		TaskType: "http.request", MaxAttempts: 3, Idempotent: true,
	})
	require.NoError(t, err)

	again, err := s.InsertRunningTaskInstance(&TaskInstance{
		TaskRunID: "tr-2", RunID: "run-1", TaskID: "A", TaskIndex: 0,
		TaskType: "http.request", MaxAttempts: 3, Idempotent: true,
	})
	require.NoError(t, err)
	require.Equal(t, ti.TaskRunID, again.TaskRunID, "a second insert for the same (run,task) must be a no-op")

	require.NoError(t, s.CompleteTaskInstance("tr-1", `{"ok":true}`, 1))
	loaded, err := s.GetTaskInstance("run-1", "A")
	require.NoError(t, err)
	require.Equal(t, TaskSucceeded, loaded.Status)
}

func TestApprovalLifecycle(t *testing.T) {
	s := tempStore(t)
	_, err := s.CreateRun("run-1", "plan-a", "hash-1", "tester", "", "{}")
	require.NoError(t, err)

	a, err := s.FetchOrCreateApproval("ap-1", "run-1", "B", "submit form?", "{}")
	require.NoError(t, err)
	require.Equal(t, ApprovalPending, a.Status)

	resolved, err := s.ResolveApproval("ap-1", ApprovalApproved, "alice")
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, resolved.Status)

	// Resolving again is a no-op (terminal states are monotonic).
	again, err := s.ResolveApproval("ap-1", ApprovalDenied, "bob")
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, again.Status)
}

func TestScheduleDedupAndAdvance(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.CreateSchedule(&Schedule{
		ScheduleID: "sch-1", BrokerID: "broker-x", ProfileID: "profile-1",
		ScanType: "recheck", NextRunAt: time.Now().Add(-time.Minute), IntervalDays: 30, Enabled: true,
	}))
	// A second schedule for the same (broker, profile) pair is ignored.
	require.NoError(t, s.CreateSchedule(&Schedule{
		ScheduleID: "sch-2", BrokerID: "broker-x", ProfileID: "profile-1",
		ScanType: "recheck", NextRunAt: time.Now().Add(-time.Minute), IntervalDays: 30, Enabled: true,
	}))

	due, err := s.DueSchedules(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.AdvanceSchedule("sch-1", "run-9", time.Now()))
	sc, err := s.GetSchedule("sch-1")
	require.NoError(t, err)
	require.True(t, sc.NextRunAt.After(time.Now()))
}

func TestDeadLetterDisablesSchedulesForBroker(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.CreateSchedule(&Schedule{
		ScheduleID: "sch-1", BrokerID: "broker-x", ProfileID: "profile-1",
		NextRunAt: time.Now(), IntervalDays: 30, Enabled: true,
	}))

	n, err := s.DisableSchedulesForBroker("broker-x")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	enabled, err := s.ListEnabledSchedules()
	require.NoError(t, err)
	require.Empty(t, enabled)
}
