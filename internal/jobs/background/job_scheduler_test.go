package background

import (
	"context"
	"errors"
	"testing"
	"time"

	"billingsync/internal/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSweepRunner struct {
	mock.Mock
}

func (m *MockSweepRunner) Run(ctx context.Context, kind string) (jobs.SweepResult, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).(jobs.SweepResult), args.Error(1)
}

func TestNewJobScheduler_RegistersSweeps(t *testing.T) {
	runner := &MockSweepRunner{}
	js, err := NewJobScheduler(runner, Intervals{
		Expiry:          10 * time.Minute,
		ScheduledChange: 15 * time.Minute,
		Cleanup:         30 * time.Minute,
	})
	require.NoError(t, err)
	defer js.Stop()

	assert.Equal(t, []string{jobs.KindCleanup, jobs.KindExpiry, jobs.KindScheduledChange}, js.JobNames())
}

func TestNewJobScheduler_SkipsDisabled(t *testing.T) {
	js, err := NewJobScheduler(&MockSweepRunner{}, Intervals{Expiry: time.Minute})
	require.NoError(t, err)
	defer js.Stop()

	assert.Equal(t, []string{jobs.KindExpiry}, js.JobNames())
	assert.ErrorIs(t, js.RunNow(jobs.KindCleanup), jobs.ErrUnknownSweepKind)
}

func TestRunNow_InvokesRunner(t *testing.T) {
	runner := &MockSweepRunner{}
	done := make(chan struct{})
	runner.On("Run", mock.Anything, jobs.KindExpiry).
		Return(jobs.SweepResult{Kind: jobs.KindExpiry, Candidates: 2}, nil).
		Run(func(mock.Arguments) { close(done) }).
		Once()

	js, err := NewJobScheduler(runner, Intervals{Expiry: time.Hour})
	require.NoError(t, err)
	js.Start()
	defer js.Stop()

	require.NoError(t, js.RunNow(jobs.KindExpiry))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run")
	}
	runner.AssertExpectations(t)
}

func TestRunSweep_LogsFailure(t *testing.T) {
	runner := &MockSweepRunner{}
	runner.On("Run", mock.Anything, jobs.KindCleanup).Return(jobs.SweepResult{}, errors.New("db down")).Once()

	js, err := NewJobScheduler(runner, Intervals{})
	require.NoError(t, err)
	defer js.Stop()

	js.runSweep(jobs.KindCleanup)
	runner.AssertExpectations(t)
}
