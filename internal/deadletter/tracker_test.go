package deadletter

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muckitymuck/erasure-executor/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dlq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordSuccessResetsCount(t *testing.T) {
	tr := New(tempStore(t), 3, nil)
	tr.RecordFailure("spokeo", "run-1", "")
	tr.RecordFailure("spokeo", "run-2", "")
	tr.RecordSuccess("spokeo")
	assert.Equal(t, 0, tr.FailureCount("spokeo"))
}

func TestRecordFailureIncrements(t *testing.T) {
	tr := New(tempStore(t), 3, nil)
	tr.RecordFailure("spokeo", "run-1", "")
	assert.Equal(t, 1, tr.FailureCount("spokeo"))
	tr.RecordFailure("spokeo", "run-2", "")
	assert.Equal(t, 2, tr.FailureCount("spokeo"))
}

func TestDeadLetterDisablesOnThreshold(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.CreateSchedule(&store.Schedule{
		ScheduleID: "s1", BrokerID: "spokeo", ProfileID: "p1",
		ScanType: "recheck", NextRunAt: time.Now(), IntervalDays: 30, Enabled: true,
	}))

	tr := New(s, 3, nil)
	tr.RecordFailure("spokeo", "run-1", "")
	tr.RecordFailure("spokeo", "run-2", "")
	disabled := tr.RecordFailure("spokeo", "run-3", "timeout")

	assert.True(t, disabled)
	sched, err := s.GetSchedule("s1")
	require.NoError(t, err)
	assert.False(t, sched.Enabled)
}

func TestDeadLetterDoesNotDisableBelowThreshold(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.CreateSchedule(&store.Schedule{
		ScheduleID: "s1", BrokerID: "spokeo", ProfileID: "p1",
		ScanType: "recheck", NextRunAt: time.Now(), IntervalDays: 30, Enabled: true,
	}))

	tr := New(s, 3, nil)
	disabled := tr.RecordFailure("spokeo", "run-1", "")
	assert.False(t, disabled)

	sched, err := s.GetSchedule("s1")
	require.NoError(t, err)
	assert.True(t, sched.Enabled)
}

func TestGetDeadLettered(t *testing.T) {
	tr := New(tempStore(t), 2, nil)
	tr.RecordFailure("spokeo", "run-1", "")
	tr.RecordFailure("spokeo", "run-2", "")

	assert.Contains(t, tr.DeadLettered(), "spokeo")
}

func TestSeparateBrokers(t *testing.T) {
	tr := New(tempStore(t), 2, nil)
	tr.RecordFailure("spokeo", "run-1", "")
	tr.RecordFailure("beenverified", "run-1", "")

	assert.Equal(t, 1, tr.FailureCount("spokeo"))
	assert.Equal(t, 1, tr.FailureCount("beenverified"))
	assert.Empty(t, tr.DeadLettered())
}
