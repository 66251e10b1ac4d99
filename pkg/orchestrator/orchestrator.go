package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/gamelaunchercloud/glc/pkg/poller"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// cancelBuildTimeout bounds the best-effort server-side cancellation issued
// when a ticket arrives after the caller asked to cancel.
const cancelBuildTimeout = 10 * time.Second

// DefaultProgressRate is the maximum number of transfer progress snapshots
// delivered per second.
const DefaultProgressRate = 10

// Client is the part of api.Client the orchestrator drives.
type Client interface {
	CheckUploadQuota(ctx context.Context, fileSize, uncompressedSize, appID int64) (*api.UploadQuotaCheck, error)
	StartUpload(ctx context.Context, req api.StartUploadRequest) (*api.UploadTicket, error)
	UploadFile(ctx context.Context, presignedURL, localPath string, progress api.ProgressFunc) error
	NotifyFileReady(ctx context.Context, appBuildID int64, storageKey string) error
	GetBuildStatus(ctx context.Context, appBuildID int64) (*api.BuildRecord, error)
	CancelBuild(ctx context.Context, appBuildID int64) error
	CancelActiveUpload()
}

// Config tunes an Orchestrator.
type Config struct {
	// PollInterval is the status poll interval. Zero means poller.DefaultInterval.
	PollInterval time.Duration
	// ProgressRate caps transfer snapshots per second. Zero means
	// DefaultProgressRate, negative disables throttling.
	ProgressRate float64
}

// Request describes one upload attempt.
type Request struct {
	AppID        int64
	ArtifactPath string
	// FileName is the name the server records. Defaults to the artifact's
	// base name.
	FileName string
	// UncompressedSize is the size of the build before archiving. Zero
	// means the artifact size is used.
	UncompressedSize int64
	Notes            string
}

// Orchestrator sequences quota check, upload start, transfer, finalize and
// status monitoring for one upload at a time.
type Orchestrator interface {
	// Upload runs a full attempt and blocks until it is terminal. If ctx is
	// done while monitoring, the last snapshot is returned with ctx.Err()
	// and the build keeps processing server-side.
	Upload(ctx context.Context, req Request) (Snapshot, error)
	// RetryFinalize re-sends the file-ready notification for an already
	// transferred artifact and monitors the build.
	RetryFinalize(ctx context.Context, req Request, ticket *api.UploadTicket) (Snapshot, error)
	// Cancel aborts the active attempt. Up to the transfer this cancels
	// locally; once finalizing it requests server-side cancellation, whose
	// outcome arrives through monitoring. It is a no-op when idle.
	Cancel(ctx context.Context) error
	// Snapshot returns the latest snapshot.
	Snapshot() Snapshot
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log      logrus.FieldLogger
	client   Client
	observer Observer
	poller   poller.Poller
	cfg      Config

	// emitMu serializes observer calls.
	emitMu sync.Mutex

	mu              sync.Mutex
	current         Snapshot
	active          bool
	attempts        int
	cancelRequested bool
	cancelAttempt   context.CancelFunc
	limiter         *rate.Limiter
}

// New creates a new upload orchestrator. observer may be nil.
func New(log logrus.FieldLogger, client Client, observer Observer, cfg Config) Orchestrator {
	if observer == nil {
		observer = ObserverFunc(func(Snapshot) {})
	}

	if cfg.ProgressRate == 0 {
		cfg.ProgressRate = DefaultProgressRate
	}

	return &orchestrator{
		log:      log.WithField("component", "orchestrator"),
		client:   client,
		observer: observer,
		poller:   poller.New(log, client, cfg.PollInterval),
		cfg:      cfg,
		current:  Snapshot{State: StateIdle},
	}
}

func (o *orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.current
}

func (o *orchestrator) Upload(ctx context.Context, req Request) (Snapshot, error) {
	attemptCtx, err := o.begin(ctx, req)
	if err != nil {
		return o.Snapshot(), err
	}
	defer o.end()

	log := o.log.WithFields(logrus.Fields{
		"app_id":   req.AppID,
		"artifact": req.ArtifactPath,
	})

	size, err := artifactSize(req.ArtifactPath)
	if err != nil {
		return o.fail(err)
	}

	fileName := o.Snapshot().FileName

	uncompressed := req.UncompressedSize
	if uncompressed <= 0 {
		uncompressed = size
	}

	log.WithField("size", units.BytesSize(float64(size))).Info("Starting upload")

	if !o.transition(StateCheckingQuota, progressCheckingQuota, "Checking upload quota", nil) {
		return o.cancelled(nil)
	}

	quota, err := o.client.CheckUploadQuota(attemptCtx, size, uncompressed, req.AppID)
	if err != nil {
		if o.isCancelRequested() {
			return o.cancelled(nil)
		}

		return o.fail(err)
	}

	if !quota.CanUpload {
		o.emit(func(s *Snapshot) bool {
			s.Quota = quota

			return true
		})

		return o.fail(quotaError(quota, size, uncompressed))
	}

	if !o.transition(StateStartingUpload, progressStartingUpload, "Starting upload", func(s *Snapshot) {
		s.Quota = quota
	}) {
		return o.cancelled(nil)
	}

	ticket, err := o.client.StartUpload(attemptCtx, api.StartUploadRequest{
		AppID:            req.AppID,
		FileName:         fileName,
		FileSize:         size,
		UncompressedSize: uncompressed,
		Notes:            req.Notes,
	})
	if err != nil {
		if o.isCancelRequested() {
			return o.cancelled(nil)
		}

		return o.fail(err)
	}

	if err := ticket.Validate(); err != nil {
		return o.fail(err)
	}

	if !o.transition(StateUploading, progressStartingUpload, "Uploading build", func(s *Snapshot) {
		s.Ticket = ticket
		s.TotalBytes = size
	}) {
		o.cancelServerBuild(ctx, ticket.AppBuildID)

		return o.cancelled(nil)
	}

	if err := o.client.UploadFile(attemptCtx, ticket.UploadURL, req.ArtifactPath, o.onTransferProgress); err != nil {
		if api.KindOf(err) == api.KindTransferAborted || o.isCancelRequested() {
			return o.cancelled(err)
		}

		return o.fail(err)
	}

	if !o.transition(StateFinalizing, progressFinalizing, "Finalizing upload", func(s *Snapshot) {
		s.BytesSent = size
	}) {
		o.cancelServerBuild(ctx, ticket.AppBuildID)

		return o.cancelled(nil)
	}

	return o.finalize(attemptCtx, ticket)
}

func (o *orchestrator) RetryFinalize(
	ctx context.Context,
	req Request,
	ticket *api.UploadTicket,
) (Snapshot, error) {
	if ticket == nil || ticket.AppBuildID <= 0 {
		return o.Snapshot(), &api.Error{
			Kind:    api.KindPrecondition,
			Message: "A build id is required to retry finalize",
		}
	}

	attemptCtx, err := o.begin(ctx, req)
	if err != nil {
		return o.Snapshot(), err
	}
	defer o.end()

	o.log.WithField("app_build_id", ticket.AppBuildID).Info("Retrying finalize")

	o.transition(StateFinalizing, progressFinalizing, "Finalizing upload", func(s *Snapshot) {
		s.Ticket = ticket
	})

	return o.finalize(attemptCtx, ticket)
}

func (o *orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()

	if !o.active || o.current.State.IsTerminal() {
		o.mu.Unlock()
		o.log.Debug("No active upload to cancel")

		return nil
	}

	state := o.current.State
	ticket := o.current.Ticket

	switch state {
	case StateIdle, StateCheckingQuota, StateStartingUpload, StateUploading:
		o.cancelRequested = true
		cancelAttempt := o.cancelAttempt
		o.mu.Unlock()

		o.log.WithField("state", state).Info("Cancelling upload")

		// The ticket is awaited so the new build can be cancelled server-side.
		if state == StateStartingUpload {
			return nil
		}

		if state == StateUploading {
			o.client.CancelActiveUpload()
		}

		if cancelAttempt != nil {
			cancelAttempt()
		}

		return nil
	default:
		o.mu.Unlock()

		if ticket == nil {
			return nil
		}

		o.log.WithField("app_build_id", ticket.AppBuildID).Info("Requesting server-side build cancellation")

		if err := o.client.CancelBuild(ctx, ticket.AppBuildID); err != nil {
			return fmt.Errorf("cancelling build %d: %w", ticket.AppBuildID, err)
		}

		return nil
	}
}

// finalize confirms the transfer and then monitors the build.
func (o *orchestrator) finalize(ctx context.Context, ticket *api.UploadTicket) (Snapshot, error) {
	if err := o.client.NotifyFileReady(ctx, ticket.AppBuildID, ticket.StorageKey); err != nil {
		return o.fail(&api.Error{
			Kind:       api.KindFinalizeFailed,
			StatusCode: api.StatusCodeOf(err),
			Message:    "Finalize failed: " + errorMessage(err),
			Err:        err,
		})
	}

	o.transition(StateMonitoring, progressFinalizing, "Processing build", nil)

	return o.monitor(ctx, ticket)
}

func (o *orchestrator) monitor(ctx context.Context, ticket *api.UploadTicket) (Snapshot, error) {
	terminal := make(chan Snapshot, 1)

	err := o.poller.Start(ctx, ticket.AppBuildID, func(record *api.BuildRecord) {
		if snap, done := o.onBuildRecord(record); done {
			terminal <- snap
		}
	})
	if err != nil {
		return o.fail(fmt.Errorf("starting status poller: %w", err))
	}

	select {
	case snap := <-terminal:
		_ = o.poller.Stop()

		return snap, snap.Err
	case <-ctx.Done():
		_ = o.poller.Stop()

		o.log.WithField("app_build_id", ticket.AppBuildID).
			Warn("Stopped monitoring, the build keeps processing server-side")

		return o.Snapshot(), ctx.Err()
	}
}

func (o *orchestrator) onBuildRecord(record *api.BuildRecord) (Snapshot, bool) {
	switch record.Status {
	case api.StatusCompleted:
		snap, _ := o.emit(func(s *Snapshot) bool {
			s.State = StateCompleted
			s.Progress = progressCompleted
			s.Message = "Build processed successfully"
			s.Build = record

			return true
		})

		o.log.WithField("app_build_id", record.AppBuildID).Info("Build completed")

		return snap, true
	case api.StatusFailed:
		msg := record.ErrorMessage
		if msg == "" {
			msg = "Build processing failed"
		}

		return o.finish(StateFailed, &api.Error{Kind: api.KindBuildFailed, Message: msg}, record), true
	case api.StatusCancelled:
		return o.finish(StateCancelled, &api.Error{
			Kind:    api.KindBuildCancelled,
			Message: "Build was cancelled",
		}, record), true
	case api.StatusDeleted:
		return o.finish(StateFailed, &api.Error{
			Kind:    api.KindBuildDeleted,
			Message: "Build was deleted",
		}, record), true
	default:
		snap, _ := o.emit(func(s *Snapshot) bool {
			s.Message = "Processing build: " + string(record.Status)
			s.Build = record

			return true
		})

		return snap, false
	}
}

func (o *orchestrator) onTransferProgress(p api.TransferProgress) {
	if p.Done() {
		return
	}

	o.mu.Lock()
	limiter := o.limiter
	o.mu.Unlock()

	if limiter != nil && !limiter.Allow() {
		return
	}

	o.emit(func(s *Snapshot) bool {
		// Late reads from the transport after the transfer returned.
		if s.State != StateUploading {
			return false
		}

		s.Progress = math.Max(s.Progress, progressStartingUpload+progressTransferSpan*p.Fraction)
		s.BytesSent = p.BytesSent
		s.TotalBytes = p.TotalBytes
		s.Message = fmt.Sprintf("Uploading build (%s / %s)",
			units.BytesSize(float64(p.BytesSent)), units.BytesSize(float64(p.TotalBytes)))

		return true
	})
}

// begin claims the orchestrator for one attempt.
func (o *orchestrator) begin(ctx context.Context, req Request) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active {
		return nil, &api.Error{Kind: api.KindBusy, Message: "An upload is already in progress"}
	}

	attemptCtx, cancel := context.WithCancel(ctx)

	o.attempts++
	o.active = true
	o.cancelRequested = false
	o.cancelAttempt = cancel
	o.limiter = newLimiter(o.cfg.ProgressRate)
	fileName := req.FileName
	if fileName == "" {
		fileName = filepath.Base(req.ArtifactPath)
	}

	o.current = Snapshot{
		State:        StateIdle,
		AppID:        req.AppID,
		ArtifactPath: req.ArtifactPath,
		FileName:     fileName,
		Attempt:      o.attempts,
		At:           time.Now(),
	}

	return attemptCtx, nil
}

func (o *orchestrator) end() {
	o.mu.Lock()
	cancel := o.cancelAttempt
	o.active = false
	o.cancelAttempt = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (o *orchestrator) isCancelRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cancelRequested
}

// emit applies update to the current snapshot and delivers the result.
// Nothing is delivered when update returns false.
func (o *orchestrator) emit(update func(*Snapshot) bool) (Snapshot, bool) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()

	if !update(&o.current) {
		snap := o.current
		o.mu.Unlock()

		return snap, false
	}

	o.current.At = time.Now()
	snap := o.current
	o.mu.Unlock()

	o.observer.OnSnapshot(snap)

	return snap, true
}

// transition moves to a non-terminal state. It refuses, atomically with the
// check, once cancellation was requested.
func (o *orchestrator) transition(state State, progress float64, msg string, mutate func(*Snapshot)) bool {
	_, ok := o.emit(func(s *Snapshot) bool {
		if o.cancelRequested {
			return false
		}

		s.State = state
		s.Progress = math.Max(s.Progress, progress)
		s.Message = msg

		if mutate != nil {
			mutate(s)
		}

		return true
	})

	if ok {
		o.log.WithFields(logrus.Fields{
			"state":    state,
			"progress": progress,
		}).Debug(msg)
	}

	return ok
}

func (o *orchestrator) fail(err error) (Snapshot, error) {
	o.log.WithError(err).WithField("kind", api.KindOf(err)).Error("Upload failed")

	return o.finish(StateFailed, err, nil), err
}

func (o *orchestrator) cancelled(cause error) (Snapshot, error) {
	var err *api.Error
	if !errors.As(cause, &err) || err.Kind != api.KindTransferAborted {
		err = &api.Error{Kind: api.KindTransferAborted, Message: "Upload cancelled", Err: cause}
	}

	o.log.Info("Upload cancelled")

	return o.finish(StateCancelled, err, nil), err
}

// finish emits a failed or cancelled terminal snapshot. Progress resets to 0.
func (o *orchestrator) finish(state State, err error, record *api.BuildRecord) Snapshot {
	snap, _ := o.emit(func(s *Snapshot) bool {
		s.State = state
		s.Progress = 0
		s.Message = api.UserMessage(err)
		s.ErrorKind = api.KindOf(err)
		s.Err = err

		if record != nil {
			s.Build = record
		}

		return true
	})

	return snap
}

func (o *orchestrator) cancelServerBuild(ctx context.Context, appBuildID int64) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelBuildTimeout)
	defer cancel()

	log := o.log.WithField("app_build_id", appBuildID)

	if err := o.client.CancelBuild(cancelCtx, appBuildID); err != nil {
		log.WithError(err).Warn("Failed to cancel build server-side")

		return
	}

	log.Info("Cancelled build server-side")
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond < 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func artifactSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, &api.Error{
			Kind:    api.KindPrecondition,
			Message: "Build artifact not found: " + path,
			Err:     err,
		}
	}

	if info.IsDir() {
		return 0, &api.Error{Kind: api.KindPrecondition, Message: "Build artifact is a directory: " + path}
	}

	if info.Size() == 0 {
		return 0, &api.Error{Kind: api.KindPrecondition, Message: "Build artifact is empty: " + path}
	}

	return info.Size(), nil
}

func quotaError(q *api.UploadQuotaCheck, size, uncompressed int64) *api.Error {
	plan := q.PlanName
	if plan == "" {
		plan = "current"
	}

	return &api.Error{
		Kind: api.KindQuotaExceeded,
		Message: fmt.Sprintf(
			"Build exceeds the %s plan limits: %s compressed (max %d GB), %s uncompressed (max %d GB)",
			plan,
			units.BytesSize(float64(size)), q.MaxCompressedSizeGB,
			units.BytesSize(float64(uncompressed)), q.MaxUncompressedSizeGB,
		),
	}
}

func errorMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}

	return err.Error()
}
