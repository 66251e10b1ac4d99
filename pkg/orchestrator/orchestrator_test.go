package orchestrator

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/gamelaunchercloud/glc/pkg/api/apitest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPollInterval = 10 * time.Millisecond

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	hook  func(Snapshot)
}

func (r *recorder) OnSnapshot(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	hook := r.hook
	r.mu.Unlock()

	if hook != nil {
		hook(s)
	}
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) states() []State {
	var out []State

	for _, s := range r.all() {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}

	return out
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fixture struct {
	srv  *apitest.Server
	orch Orchestrator
	rec  *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	srv := apitest.New(t)
	client := api.NewClient(testLogger(), api.Options{BaseURL: srv.URL, Token: "tok123"})
	rec := &recorder{}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = testPollInterval
	}

	return &fixture{
		srv:  srv,
		orch: New(testLogger(), client, rec, cfg),
		rec:  rec,
	}
}

func writeArtifact(t *testing.T, size int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "Build.zip")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("z", size)), 0o600))

	return path
}

func TestUploadCompletes(t *testing.T) {
	f := newFixture(t, Config{ProgressRate: -1})
	f.srv.SetStatuses(
		apitest.Status{Status: "Pending"},
		apitest.Status{Status: "Enqueued"},
		apitest.Status{Status: "UnzippingBuild", StageProgress: 40},
		apitest.Status{Status: "Completed", StageProgress: 100},
	)

	path := writeArtifact(t, 256<<10)

	snap, err := f.orch.Upload(context.Background(), Request{
		AppID:            7,
		ArtifactPath:     path,
		UncompressedSize: 1 << 20,
		Notes:            "nightly",
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, snap.State)
	assert.InDelta(t, 1.0, snap.Progress, 1e-9)
	assert.Equal(t, int64(101), snap.AppBuildID())
	require.NotNil(t, snap.Build)
	assert.Equal(t, api.StatusCompleted, snap.Build.Status)
	assert.Equal(t, snap, f.orch.Snapshot())

	assert.Equal(t, []State{
		StateCheckingQuota,
		StateStartingUpload,
		StateUploading,
		StateFinalizing,
		StateMonitoring,
		StateCompleted,
	}, f.rec.states())

	snaps := f.rec.all()
	prev := 0.0
	sawTransfer := false
	monitoring := 0

	for _, s := range snaps {
		assert.GreaterOrEqual(t, s.Progress, prev, "progress must not go backwards (%s)", s.State)
		prev = s.Progress

		if s.State == StateUploading && s.BytesSent > 0 {
			sawTransfer = true
			assert.GreaterOrEqual(t, s.Progress, 0.2)
			assert.LessOrEqual(t, s.Progress, 0.9)
		}

		if s.State == StateMonitoring && s.Build != nil {
			monitoring++
		}
	}

	assert.True(t, sawTransfer)
	assert.Equal(t, 3, monitoring, "one snapshot per non-terminal poll")
	assert.Equal(t, 1, f.srv.Calls(apitest.RouteFileReady))
	assert.Equal(t, 4, f.srv.Calls(apitest.RouteStatus))

	stored, ok := f.srv.Uploaded(snap.Ticket.StorageKey)
	require.True(t, ok)
	assert.Len(t, stored, 256<<10)
}

func TestPhaseProgressAnchors(t *testing.T) {
	f := newFixture(t, Config{})
	path := writeArtifact(t, 1024)

	_, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: path})
	require.NoError(t, err)

	first := map[State]float64{}
	for _, s := range f.rec.all() {
		if _, ok := first[s.State]; !ok {
			first[s.State] = s.Progress
		}
	}

	assert.InDelta(t, 0.1, first[StateCheckingQuota], 1e-9)
	assert.InDelta(t, 0.2, first[StateStartingUpload], 1e-9)
	assert.InDelta(t, 0.2, first[StateUploading], 1e-9)
	assert.InDelta(t, 0.95, first[StateFinalizing], 1e-9)
	assert.InDelta(t, 0.95, first[StateMonitoring], 1e-9)
	assert.InDelta(t, 1.0, first[StateCompleted], 1e-9)
}

func TestNotifyOnlyAfterTransferCompletes(t *testing.T) {
	f := newFixture(t, Config{ProgressRate: -1})

	var storedAtNotify atomic.Bool

	f.srv.Override(apitest.RouteFileReady, func(w http.ResponseWriter, _ *http.Request) {
		_, ok := f.srv.Uploaded("apps/7/builds/101/Build.zip")
		storedAtNotify.Store(ok)

		apitest.WriteEnvelope(w, http.StatusOK, map[string]any{
			"isSuccess": true,
			"result":    map[string]any{"appBuildId": 101},
		})
	})

	f.rec.hook = func(s Snapshot) {
		if s.State == StateUploading {
			assert.Zero(t, f.srv.Calls(apitest.RouteFileReady), "notify during transfer")
		}
	}

	_, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: writeArtifact(t, 128<<10)})
	require.NoError(t, err)

	assert.Equal(t, 1, f.srv.Calls(apitest.RouteFileReady))
	assert.True(t, storedAtNotify.Load())
}

func TestQuotaExceeded(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.SetPlan(apitest.Plan{Name: "Free", MaxCompressedSizeGB: 5, MaxUncompressedSizeGB: 10})

	// A sparse 6 GiB artifact; the quota check fails before any byte is read.
	path := filepath.Join(t.TempDir(), "Build.zip")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(6<<30))
	require.NoError(t, fh.Close())

	snap, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: path})
	require.ErrorIs(t, err, api.ErrQuotaExceeded)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, api.KindQuotaExceeded, snap.ErrorKind)
	assert.Zero(t, snap.Progress)
	assert.Contains(t, snap.Message, "check your plan limits")
	assert.Contains(t, snap.Message, "max 5 GB")
	require.NotNil(t, snap.Quota)
	assert.False(t, snap.Quota.CanUpload)

	assert.Zero(t, f.srv.Calls(apitest.RouteStartUpload))
	assert.Equal(t, []State{StateCheckingQuota, StateFailed}, f.rec.states())
}

func TestUploadFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*apitest.Server)
		wantKind   api.Kind
		wantNotify int
	}{
		{
			name:     "storage rejects transfer",
			setup:    func(s *apitest.Server) { s.SetStorageStatus(http.StatusInternalServerError) },
			wantKind: api.KindTransferFailed,
		},
		{
			name: "start upload refused",
			setup: func(s *apitest.Server) {
				s.Override(apitest.RouteStartUpload, func(w http.ResponseWriter, _ *http.Request) {
					apitest.WriteEnvelope(w, http.StatusOK, map[string]any{
						"isSuccess":     false,
						"errorMessages": []string{"App is archived"},
					})
				})
			},
			wantKind: api.KindRejected,
		},
		{
			name: "ticket without upload url",
			setup: func(s *apitest.Server) {
				s.Override(apitest.RouteStartUpload, func(w http.ResponseWriter, _ *http.Request) {
					apitest.WriteEnvelope(w, http.StatusOK, map[string]any{
						"isSuccess": true,
						"result":    map[string]any{"appBuildId": 5},
					})
				})
			},
			wantKind: api.KindEnvelope,
		},
		{
			name: "quota check transport status",
			setup: func(s *apitest.Server) {
				s.Override(apitest.RouteCanUpload, func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusServiceUnavailable)
				})
			},
			wantKind: api.KindHTTPStatus,
		},
		{
			name: "finalize refused",
			setup: func(s *apitest.Server) {
				s.Override(apitest.RouteFileReady, func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusInternalServerError)
				})
			},
			wantKind:   api.KindFinalizeFailed,
			wantNotify: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			tt.setup(f.srv)

			snap, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: writeArtifact(t, 4096)})
			require.Error(t, err)

			assert.Equal(t, tt.wantKind, api.KindOf(err))
			assert.Equal(t, StateFailed, snap.State)
			assert.Equal(t, tt.wantKind, snap.ErrorKind)
			assert.Zero(t, snap.Progress)
			assert.NotEmpty(t, snap.Message)
			assert.Equal(t, tt.wantNotify, f.srv.Calls(apitest.RouteFileReady))
			assert.Zero(t, f.srv.Calls(apitest.RouteStatus))
		})
	}
}

func TestServerTerminalStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    apitest.Status
		wantState State
		wantKind  api.Kind
		wantMsg   string
	}{
		{
			name:      "failed carries server message",
			status:    apitest.Status{Status: "Failed", ErrorMessage: "Corrupt zip"},
			wantState: StateFailed,
			wantKind:  api.KindBuildFailed,
			wantMsg:   "Corrupt zip.",
		},
		{
			name:      "failed without message",
			status:    apitest.Status{Status: "Failed"},
			wantState: StateFailed,
			wantKind:  api.KindBuildFailed,
			wantMsg:   "Build processing failed.",
		},
		{
			name:      "cancelled",
			status:    apitest.Status{Status: "Cancelled"},
			wantState: StateCancelled,
			wantKind:  api.KindBuildCancelled,
			wantMsg:   "Build was cancelled.",
		},
		{
			name:      "deleted",
			status:    apitest.Status{Status: "Deleted"},
			wantState: StateFailed,
			wantKind:  api.KindBuildDeleted,
			wantMsg:   "Build was deleted.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.srv.SetStatuses(apitest.Status{Status: "Enqueued"}, tt.status)

			snap, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: writeArtifact(t, 1024)})
			require.Error(t, err)

			assert.Equal(t, tt.wantKind, api.KindOf(err))
			assert.Equal(t, tt.wantState, snap.State)
			assert.Equal(t, tt.wantKind, snap.ErrorKind)
			assert.Equal(t, tt.wantMsg, snap.Message)
			assert.Zero(t, snap.Progress)
			assert.Equal(t, 2, f.srv.Calls(apitest.RouteStatus))
		})
	}
}

func TestPollErrorsDoNotEndMonitoring(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.FailStatusPolls(2)
	f.srv.SetStatuses(apitest.Status{Status: "Completed"})

	snap, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: writeArtifact(t, 1024)})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 3, f.srv.Calls(apitest.RouteStatus))
}

func TestCancelDuringUpload(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.HoldUploads()

	done := make(chan Snapshot, 1)

	go func() {
		snap, _ := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: writeArtifact(t, 64<<10)})
		done <- snap
	}()

	select {
	case <-f.srv.UploadStarted():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never started")
	}

	require.Equal(t, StateUploading, f.orch.Snapshot().State)
	require.NoError(t, f.orch.Cancel(context.Background()))

	var snap Snapshot
	select {
	case snap = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop")
	}

	assert.Equal(t, StateCancelled, snap.State)
	assert.Equal(t, api.KindTransferAborted, snap.ErrorKind)
	assert.Zero(t, snap.Progress)
	assert.Zero(t, f.srv.Calls(apitest.RouteFileReady))

	// Cancel after the terminal state is a no-op.
	require.NoError(t, f.orch.Cancel(context.Background()))
	assert.Empty(t, f.srv.CancelledBuilds())
}

func TestCancelBeforeTicket(t *testing.T) {
	tests := []struct {
		name             string
		at               State
		wantStartUpload  int
		wantServerCancel []int64
	}{
		{
			name:            "while checking quota",
			at:              StateCheckingQuota,
			wantStartUpload: 0,
		},
		{
			name:             "while starting upload",
			at:               StateStartingUpload,
			wantStartUpload:  1,
			wantServerCancel: []int64{101},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})

			var once sync.Once

			f.rec.hook = func(s Snapshot) {
				if s.State == tt.at {
					once.Do(func() { require.NoError(t, f.orch.Cancel(context.Background())) })
				}
			}

			snap, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: writeArtifact(t, 1024)})
			require.ErrorIs(t, err, api.ErrTransferAborted)

			assert.Equal(t, StateCancelled, snap.State)
			assert.Equal(t, tt.wantStartUpload, f.srv.Calls(apitest.RouteStartUpload))
			assert.Zero(t, f.srv.Calls(apitest.RouteStoragePut))
			assert.Equal(t, tt.wantServerCancel, f.srv.CancelledBuilds())
		})
	}
}

func TestCancelDuringMonitoring(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.SetStatuses(apitest.Status{Status: "Enqueued"})

	monitoring := make(chan struct{})

	var once sync.Once

	f.rec.hook = func(s Snapshot) {
		if s.State == StateMonitoring && s.Build != nil {
			once.Do(func() { close(monitoring) })
		}
	}

	done := make(chan Snapshot, 1)

	go func() {
		snap, _ := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: writeArtifact(t, 1024)})
		done <- snap
	}()

	select {
	case <-monitoring:
	case <-time.After(5 * time.Second):
		t.Fatal("monitoring never started")
	}

	require.NoError(t, f.orch.Cancel(context.Background()))

	var snap Snapshot
	select {
	case snap = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation never observed")
	}

	assert.Equal(t, []int64{101}, f.srv.CancelledBuilds())
	assert.Equal(t, StateCancelled, snap.State)
	assert.Equal(t, api.KindBuildCancelled, snap.ErrorKind)
	assert.Equal(t, 1, f.srv.Calls(apitest.RouteFileReady))
}

func TestMonitoringContextDone(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.SetStatuses(apitest.Status{Status: "Enqueued"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.rec.hook = func(s Snapshot) {
		if s.State == StateMonitoring && s.Build != nil {
			cancel()
		}
	}

	snap, err := f.orch.Upload(ctx, Request{AppID: 7, ArtifactPath: writeArtifact(t, 1024)})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StateMonitoring, snap.State)
	assert.Empty(t, f.srv.CancelledBuilds())
}

func TestRetryFinalize(t *testing.T) {
	f := newFixture(t, Config{})

	var notifies atomic.Int32

	f.srv.Override(apitest.RouteFileReady, func(w http.ResponseWriter, _ *http.Request) {
		if notifies.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		apitest.WriteEnvelope(w, http.StatusOK, map[string]any{"isSuccess": true, "result": map[string]any{}})
	})

	req := Request{AppID: 7, ArtifactPath: writeArtifact(t, 2048)}

	snap, err := f.orch.Upload(context.Background(), req)
	require.ErrorIs(t, err, api.ErrFinalizeFailed)
	assert.Contains(t, snap.Message, "glc finalize")
	require.NotNil(t, snap.Ticket)

	storagePuts := f.srv.Calls(apitest.RouteStoragePut)

	snap, err = f.orch.RetryFinalize(context.Background(), req, snap.Ticket)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, int32(2), notifies.Load())
	assert.Equal(t, storagePuts, f.srv.Calls(apitest.RouteStoragePut), "retry must not re-transfer")
	assert.Equal(t, 2, snap.Attempt)
}

func TestRetryFinalizeRequiresTicket(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.orch.RetryFinalize(context.Background(), Request{AppID: 7}, nil)
	assert.ErrorIs(t, err, api.ErrPrecondition)
	assert.Empty(t, f.rec.all())
}

func TestPreconditions(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.zip")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	tests := []struct {
		name string
		path string
	}{
		{name: "missing", path: filepath.Join(dir, "missing.zip")},
		{name: "empty", path: empty},
		{name: "directory", path: dir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})

			snap, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: tt.path})
			require.ErrorIs(t, err, api.ErrPrecondition)

			assert.Equal(t, StateFailed, snap.State)
			assert.Zero(t, f.srv.Calls(apitest.RouteCanUpload))
		})
	}
}

func TestUploadWhileActiveIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.HoldUploads()

	path := writeArtifact(t, 1024)
	done := make(chan error, 1)

	go func() {
		_, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: path})
		done <- err
	}()

	<-f.srv.UploadStarted()

	_, err := f.orch.Upload(context.Background(), Request{AppID: 7, ArtifactPath: path})
	assert.ErrorIs(t, err, api.ErrBusy)

	f.srv.ReleaseUploads()
	require.NoError(t, <-done)

	assert.Equal(t, 1, f.srv.Calls(apitest.RouteStartUpload))
}

func TestCancelWhenIdle(t *testing.T) {
	f := newFixture(t, Config{})

	assert.NoError(t, f.orch.Cancel(context.Background()))
	assert.Equal(t, StateIdle, f.orch.Snapshot().State)
	assert.Empty(t, f.rec.all())
}

func TestMultiObserver(t *testing.T) {
	var a, b []State

	obs := MultiObserver(
		ObserverFunc(func(s Snapshot) { a = append(a, s.State) }),
		nil,
		ObserverFunc(func(s Snapshot) { b = append(b, s.State) }),
	)

	obs.OnSnapshot(Snapshot{State: StateUploading})

	assert.Equal(t, []State{StateUploading}, a)
	assert.Equal(t, []State{StateUploading}, b)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "checking_quota", StateCheckingQuota.String())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateMonitoring.IsTerminal())
	assert.Equal(t, "state(42)", State(42).String())
}
