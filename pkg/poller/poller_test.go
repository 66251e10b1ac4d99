package poller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 10 * time.Millisecond

type step struct {
	status   api.BuildStatus
	progress int
	err      error
}

// scriptedSource answers polls from a fixed script, repeating the last step.
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *scriptedSource) GetBuildStatus(_ context.Context, id int64) (*api.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}

	s.calls++

	st := s.steps[idx]
	if st.err != nil {
		return nil, st.err
	}

	return &api.BuildRecord{AppBuildID: id, Status: st.status, StageProgress: st.progress}, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

type updates struct {
	mu      sync.Mutex
	records []*api.BuildRecord
}

func (u *updates) add(r *api.BuildRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.records = append(u.records, r)
}

func (u *updates) statuses() []api.BuildStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]api.BuildStatus, 0, len(u.records))
	for _, r := range u.records {
		out = append(out, r.Status)
	}

	return out
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestPollerStopsOnTerminalStatus(t *testing.T) {
	tests := []struct {
		name  string
		steps []step
		want  []api.BuildStatus
	}{
		{
			name: "processing then completed",
			steps: []step{
				{status: api.StatusPending},
				{status: api.StatusEnqueued},
				{status: api.StatusUnzippingBuild, progress: 40},
				{status: api.StatusCompleted},
			},
			want: []api.BuildStatus{
				api.StatusPending,
				api.StatusEnqueued,
				api.StatusUnzippingBuild,
				api.StatusCompleted,
			},
		},
		{
			name:  "failed",
			steps: []step{{status: api.StatusDownloadingBuild}, {status: api.StatusFailed}},
			want:  []api.BuildStatus{api.StatusDownloadingBuild, api.StatusFailed},
		},
		{
			name:  "cancelled immediately",
			steps: []step{{status: api.StatusCancelled}},
			want:  []api.BuildStatus{api.StatusCancelled},
		},
		{
			name:  "deleted",
			steps: []step{{status: api.StatusCreatingPatch}, {status: api.StatusDeleted}},
			want:  []api.BuildStatus{api.StatusCreatingPatch, api.StatusDeleted},
		},
		{
			name: "transport errors are skipped",
			steps: []step{
				{status: api.StatusEnqueued},
				{err: errors.New("connection reset")},
				{err: errors.New("connection reset")},
				{status: api.StatusCompleted},
			},
			want: []api.BuildStatus{api.StatusEnqueued, api.StatusCompleted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{steps: tt.steps}
			p := New(testLogger(), src, testInterval)

			var got updates

			require.NoError(t, p.Start(context.Background(), 42, got.add))

			require.Eventually(t, func() bool { return !p.Running() }, 2*time.Second, testInterval)
			assert.Equal(t, tt.want, got.statuses())

			calls := src.Calls()
			assert.Equal(t, len(tt.steps), calls)

			// No polls after the terminal one.
			time.Sleep(5 * testInterval)
			assert.Equal(t, calls, src.Calls())

			assert.NoError(t, p.Stop())
			assert.NoError(t, p.Stop())
		})
	}
}

func TestPollerReportsStageProgress(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{status: api.StatusUnzippingBuild, progress: 40},
		{status: api.StatusCompleted, progress: 100},
	}}
	p := New(testLogger(), src, testInterval)

	var got updates

	require.NoError(t, p.Start(context.Background(), 7, got.add))
	require.Eventually(t, func() bool { return !p.Running() }, 2*time.Second, testInterval)

	got.mu.Lock()
	defer got.mu.Unlock()

	require.Len(t, got.records, 2)
	assert.Equal(t, 40, got.records[0].StageProgress)
	assert.Equal(t, int64(7), got.records[0].AppBuildID)
}

func TestPollerStartWhileRunning(t *testing.T) {
	src := &scriptedSource{steps: []step{{status: api.StatusEnqueued}}}
	p := New(testLogger(), src, testInterval)

	require.NoError(t, p.Start(context.Background(), 1, nil))
	assert.True(t, p.Running())
	assert.ErrorIs(t, p.Start(context.Background(), 2, nil), ErrRunning)

	require.NoError(t, p.Stop())
	assert.False(t, p.Running())

	// Restartable once stopped.
	require.NoError(t, p.Start(context.Background(), 3, nil))
	require.NoError(t, p.Stop())
}

func TestPollerStopEndsPolling(t *testing.T) {
	src := &scriptedSource{steps: []step{{status: api.StatusEnqueued}}}
	p := New(testLogger(), src, testInterval)

	require.NoError(t, p.Start(context.Background(), 1, nil))
	require.Eventually(t, func() bool { return src.Calls() >= 2 }, 2*time.Second, testInterval)

	require.NoError(t, p.Stop())

	calls := src.Calls()
	time.Sleep(5 * testInterval)
	assert.Equal(t, calls, src.Calls())
}

func TestPollerContextCancel(t *testing.T) {
	src := &scriptedSource{steps: []step{{status: api.StatusEnqueued}}}
	p := New(testLogger(), src, testInterval)

	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Start(ctx, 1, nil))
	cancel()

	require.Eventually(t, func() bool { return !p.Running() }, 2*time.Second, testInterval)
	assert.NoError(t, p.Stop())
}

func TestPollerStopWhenIdle(t *testing.T) {
	p := New(testLogger(), &scriptedSource{steps: []step{{status: api.StatusPending}}}, 0)

	assert.False(t, p.Running())
	assert.NoError(t, p.Stop())
	assert.Equal(t, DefaultInterval, p.(*poller).interval)
}
