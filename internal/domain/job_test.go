package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/errors"
)

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{
		"low": PriorityLow, "": PriorityNormal, "High": PriorityHigh, " critical ": PriorityCritical,
	} {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParsePriority("urgent")
	assert.True(t, errors.Is(err, ErrInvalidEntity))
}

func TestNewJobRejectsInvertedDates(t *testing.T) {
	_, err := NewJob("j1", "J-001", PriorityNormal, t0, t0.Add(-time.Hour))
	assert.True(t, errors.Is(err, ErrInvalidTimeWindow))
}

func TestJobAddTask(t *testing.T) {
	job, err := NewJob("job-1", "J-001", PriorityHigh, t0, t0.Add(48*time.Hour))
	require.NoError(t, err)

	a := newTestTask(t, "a", 1)
	b := newTestTask(t, "b", 2)
	b.PredecessorIDs = []string{"a"}

	require.NoError(t, job.AddTask(a, nil))
	require.NoError(t, job.AddTask(b, []*Task{a}))
	assert.Equal(t, []string{"a", "b"}, job.TaskIDs)

	dup := newTestTask(t, "c", 2)
	assert.True(t, errors.Is(job.AddTask(dup, []*Task{a, b}), ErrInvalidSequence))

	lower := newTestTask(t, "d", 1)
	assert.True(t, errors.Is(job.AddTask(lower, []*Task{b}), ErrInvalidSequence))

	stranger := newTestTask(t, "e", 3)
	stranger.PredecessorIDs = []string{"zzz"}
	assert.True(t, errors.Is(job.AddTask(stranger, []*Task{a, b}), ErrInvalidPredecessor))
}

func TestValidateTasks(t *testing.T) {
	job := &Job{ID: "job-1"}
	a := newTestTask(t, "a", 1)
	b := newTestTask(t, "b", 2)
	b.PredecessorIDs = []string{"a"}
	require.NoError(t, ValidateTasks(job, []*Task{b, a}))

	a.PredecessorIDs = []string{"b"}
	assert.True(t, errors.Is(ValidateTasks(job, []*Task{a, b}), ErrInvalidPredecessor))
}

func TestJobLifecycle(t *testing.T) {
	job, err := NewJob("job-1", "J-001", PriorityNormal, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.True(t, errors.Is(job.Complete(t0), ErrInvalidStateTransition))
	require.NoError(t, job.Release(t0))
	require.NoError(t, job.Start(t0))
	require.NoError(t, job.Complete(t0))
	assert.Equal(t, JobCompleted, job.Status)
	assert.True(t, errors.Is(job.Cancel(t0), ErrInvalidStateTransition))

	events := job.PullEvents()
	require.Len(t, events, 3)
	assert.Equal(t, EventJobStatusChanged, events[2].Kind)
	assert.Equal(t, "completed", events[2].NewState)
}
