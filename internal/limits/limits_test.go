package limits

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	m := NewManager()
	assert.Equal(t, Limits{MaxFiles: 5, MaxTests: 10, MaxSeconds: 300, FileCountMode: CountOperations}, m.Limits())
	assert.Equal(t, ParallelLimits{Subagents: 9, Executors: 4}, m.ParallelLimits())
}

func TestSetLimitsRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		field  string
	}{
		{"files too low", Limits{MaxFiles: 0, MaxTests: 10, MaxSeconds: 300}, "max_files"},
		{"files too high", Limits{MaxFiles: 21, MaxTests: 10, MaxSeconds: 300}, "max_files"},
		{"tests too high", Limits{MaxFiles: 5, MaxTests: 51, MaxSeconds: 300}, "max_tests"},
		{"seconds too low", Limits{MaxFiles: 5, MaxTests: 10, MaxSeconds: 29}, "max_seconds"},
		{"seconds too high", Limits{MaxFiles: 5, MaxTests: 10, MaxSeconds: 901}, "max_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			err := m.SetLimits(tt.limits)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, CodeOutOfRange, verr.Code)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, tt.field, verr.Details()["field"])
			assert.Equal(t, DefaultLimits(), m.Limits(), "limits must be unchanged on error")
		})
	}

	m := NewManager()
	require.NoError(t, m.SetLimits(Limits{MaxFiles: 20, MaxTests: 1, MaxSeconds: 900}))
	assert.Equal(t, CountOperations, m.Limits().FileCountMode)

	err := m.SetLimits(Limits{MaxFiles: 5, MaxTests: 10, MaxSeconds: 300, FileCountMode: "lines"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeInvalidFileCountMode, verr.Code)
}

func TestSetParallelLimitsRejectsOutOfRange(t *testing.T) {
	m := NewManager()

	var verr *ValidationError
	require.ErrorAs(t, m.SetParallelLimits(ParallelLimits{Subagents: 10, Executors: 4}), &verr)
	assert.Equal(t, "subagents", verr.Field)
	assert.Equal(t, 9, verr.Max)

	require.ErrorAs(t, m.SetParallelLimits(ParallelLimits{Subagents: 3, Executors: 0}), &verr)
	assert.Equal(t, "executors", verr.Field)

	require.NoError(t, m.SetParallelLimits(ParallelLimits{Subagents: 1, Executors: 1}))
}

func TestEnforceFileLimitFailsOnSixth(t *testing.T) {
	m := NewManager()
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.EnforceFileLimit(fmt.Sprintf("file-%d.go", i)), "call %d", i)
	}

	err := m.EnforceFileLimit("file-6.go")
	require.ErrorIs(t, err, ErrLimitExceeded)
	var lerr *LimitExceededError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, LimitFiles, lerr.Violation.LimitType)
	assert.Equal(t, 5, lerr.Violation.Limit)
	assert.Equal(t, 6, lerr.Violation.Attempted)

	assert.Equal(t, 5, m.FileCount(), "the cap is never crossed")
	assert.Empty(t, m.Violations(), "fail-closed gates do not record")
}

func TestFileCountModes(t *testing.T) {
	ops := NewManager()
	for i := 0; i < 5; i++ {
		require.NoError(t, ops.EnforceFileLimit("main.go"))
	}
	assert.ErrorIs(t, ops.EnforceFileLimit("main.go"), ErrLimitExceeded)

	distinct := NewManager()
	require.NoError(t, distinct.SetLimits(Limits{MaxFiles: 2, MaxTests: 10, MaxSeconds: 300, FileCountMode: CountDistinctPaths}))
	for i := 0; i < 10; i++ {
		require.NoError(t, distinct.EnforceFileLimit("main.go"))
	}
	require.NoError(t, distinct.EnforceFileLimit("util.go"))
	assert.Equal(t, 2, distinct.FileCount())
	assert.ErrorIs(t, distinct.EnforceFileLimit("extra.go"), ErrLimitExceeded)
	require.NoError(t, distinct.EnforceFileLimit("util.go"))
}

func TestCheckAndRecordFileOperation(t *testing.T) {
	m := NewManager()
	for i := 0; i < 5; i++ {
		r := m.CheckAndRecordFileOperation(fmt.Sprintf("f%d", i))
		require.True(t, r.Allowed)
		assert.Nil(t, r.Violation)
	}

	r := m.CheckAndRecordFileOperation("f5")
	assert.False(t, r.Allowed)
	require.NotNil(t, r.Violation)
	assert.Equal(t, Violation{LimitType: LimitFiles, Limit: 5, Attempted: 6, Timestamp: r.Violation.Timestamp}, *r.Violation)

	require.Len(t, m.Violations(), 1)
	assert.Equal(t, 5, m.FileCount())
}

func TestTestLimit(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetLimits(Limits{MaxFiles: 5, MaxTests: 2, MaxSeconds: 300}))

	assert.True(t, m.CheckAndRecordTestExecution().Allowed)
	require.NoError(t, m.EnforceTestLimit())
	assert.ErrorIs(t, m.EnforceTestLimit(), ErrLimitExceeded)

	r := m.CheckAndRecordTestExecution()
	assert.False(t, r.Allowed)
	assert.Equal(t, 3, r.Violation.Attempted)
	assert.Equal(t, 2, m.TestCount())
}

func TestTimeLimit(t *testing.T) {
	m := NewManager()
	assert.Zero(t, m.ElapsedSeconds())
	require.NoError(t, m.EnforceTimeLimit())

	m.SetElapsedForTesting(299)
	require.NoError(t, m.EnforceTimeLimit())
	assert.True(t, m.CheckTimeLimit().Allowed)

	m.SetElapsedForTesting(300)
	assert.ErrorIs(t, m.EnforceTimeLimit(), ErrLimitExceeded)

	r := m.CheckTimeLimit()
	assert.False(t, r.Allowed)
	assert.Equal(t, LimitTime, r.Violation.LimitType)
	assert.Equal(t, 300, r.Violation.Attempted)
}

func TestTimerUsesClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager()
	m.SetClock(func() time.Time { return now })

	m.StartTimer()
	now = now.Add(90 * time.Second)
	assert.InDelta(t, 90, m.ElapsedSeconds(), 0.001)
	assert.Equal(t, 210*time.Second, m.RemainingTime())

	m.SetElapsedForTesting(5)
	assert.InDelta(t, 5, m.ElapsedSeconds(), 0.001, "override wins over the clock")
}

func TestParallelSlots(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetParallelLimits(ParallelLimits{Subagents: 2, Executors: 1}))

	require.NoError(t, m.StartSubagent("a"))
	require.NoError(t, m.StartSubagent("b"))
	assert.ErrorIs(t, m.StartSubagent("c"), ErrLimitExceeded)
	assert.ErrorIs(t, m.StartSubagent("a"), ErrSlotInUse)
	assert.Equal(t, 2, m.ActiveSubagents())

	assert.True(t, m.EndSubagent("a"))
	assert.False(t, m.EndSubagent("a"), "double release is detected")
	require.NoError(t, m.StartSubagent("c"))

	require.NoError(t, m.StartExecutor("task-1"))
	err := m.StartExecutor("task-2")
	var lerr *LimitExceededError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, LimitExecutors, lerr.Violation.LimitType)
	assert.True(t, m.EndExecutor("task-1"))
	assert.Zero(t, m.ActiveExecutors())
}

func TestAllViolationsSynthesizesUnrecorded(t *testing.T) {
	m := NewManager()
	for i := 0; i < 4; i++ {
		require.NoError(t, m.EnforceFileLimit(fmt.Sprintf("f%d", i)))
	}
	require.NoError(t, m.EnforceTestLimit())
	m.SetElapsedForTesting(400)

	// Lowering the cap leaves the counter above it.
	require.NoError(t, m.SetLimits(Limits{MaxFiles: 2, MaxTests: 10, MaxSeconds: 300}))
	assert.False(t, m.CheckTimeLimit().Allowed)

	all := m.AllViolations()
	require.Len(t, all, 2)
	assert.Equal(t, LimitTime, all[0].LimitType, "recorded violations come first")
	assert.Equal(t, LimitFiles, all[1].LimitType)
	assert.Equal(t, 2, all[1].Limit)
	assert.Equal(t, 4, all[1].Attempted)

	assert.Len(t, m.Violations(), 1)
}

func TestSuggestChunkSize(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 3, m.SuggestChunkSize(3))
	assert.Equal(t, 5, m.SuggestChunkSize(12))

	require.NoError(t, m.EnforceFileLimit("a"))
	require.NoError(t, m.EnforceFileLimit("b"))
	assert.Equal(t, 3, m.SuggestChunkSize(12))

	require.NoError(t, m.SetLimits(Limits{MaxFiles: 1, MaxTests: 10, MaxSeconds: 300}))
	assert.Equal(t, 0, m.SuggestChunkSize(12))
}

func TestSuggestChunkSizeNegativeTotal(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.SuggestChunkSize(-3))
	assert.Equal(t, 0, m.SuggestChunkSize(0))
}

func TestAllViolationsAtExactTimeLimit(t *testing.T) {
	m := NewManager()
	m.SetElapsedForTesting(300)

	// Nothing recorded yet, but the limit is already reached.
	all := m.AllViolations()
	require.Len(t, all, 1)
	assert.Equal(t, LimitTime, all[0].LimitType)
	assert.Equal(t, 300, all[0].Attempted)
	assert.ErrorIs(t, m.EnforceTimeLimit(), ErrLimitExceeded)

	m.SetElapsedForTesting(299.5)
	assert.Empty(t, m.AllViolations())
	assert.NoError(t, m.EnforceTimeLimit())
}

func TestReset(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.EnforceFileLimit("a"))
	require.NoError(t, m.EnforceTestLimit())
	require.NoError(t, m.StartSubagent("s"))
	require.NoError(t, m.StartExecutor("e"))
	m.StartTimer()
	m.SetElapsedForTesting(500)
	m.CheckTimeLimit()

	m.Reset()

	assert.Equal(t, Usage{}, m.Usage())
	assert.Empty(t, m.AllViolations())
	require.NoError(t, m.StartSubagent("s"))
	require.NoError(t, m.StartExecutor("e"))
}
