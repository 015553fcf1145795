package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsInvalidExpression(t *testing.T) {
	s := New()
	err := s.Add("broken", "not a schedule", func(ctx context.Context) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestDueJobRunsOncePerSlot(t *testing.T) {
	s := New()
	var runs int32
	require.NoError(t, s.Add("tick", "* * * * *", func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	}))

	// Several ticks inside the same minute trigger exactly once.
	now := time.Date(2026, 5, 1, 10, 0, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.fire(context.Background(), now.Add(time.Duration(i)*time.Second))
	}
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 1
	}, time.Second, 5*time.Millisecond)

	// The next minute slot triggers again.
	s.fire(context.Background(), now.Add(time.Minute))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestNotDueJobStaysIdle(t *testing.T) {
	s := New()
	var runs int32
	require.NoError(t, s.Add("yearly", "0 0 1 1 *", func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	}))

	s.fire(context.Background(), time.Date(2026, 5, 1, 10, 0, 5, 0, time.UTC))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&runs))
}

func TestPanickingJobDoesNotKillScheduler(t *testing.T) {
	s := New()
	var runs int32
	require.NoError(t, s.Add("bad", "* * * * *", func(ctx context.Context) { panic("boom") }))
	require.NoError(t, s.Add("good", "* * * * *", func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	}))

	s.fire(context.Background(), time.Date(2026, 5, 1, 10, 0, 5, 0, time.UTC))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 1
	}, time.Second, 5*time.Millisecond)

	st := s.Status()
	jobs := st["jobs"].([]map[string]interface{})
	assert.Len(t, jobs, 2)
}
