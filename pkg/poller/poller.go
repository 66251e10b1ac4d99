package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the fixed delay between status polls.
const DefaultInterval = 5 * time.Second

// ErrRunning is returned by Start while a previous poll loop is active.
var ErrRunning = errors.New("poller is already running")

// StatusSource fetches the processing record of a build. api.Client
// satisfies it.
type StatusSource interface {
	GetBuildStatus(ctx context.Context, appBuildID int64) (*api.BuildRecord, error)
}

// UpdateFunc receives every successfully polled record, terminal included.
type UpdateFunc func(*api.BuildRecord)

// Poller periodically fetches a build's status until it is terminal.
type Poller interface {
	// Start polls once immediately and then at the configured interval.
	// onUpdate is called from the poll goroutine. After the terminal
	// update the loop stops itself.
	Start(ctx context.Context, appBuildID int64, onUpdate UpdateFunc) error
	// Stop ends the poll loop and waits for it to exit. It is idempotent
	// and a no-op when not running. It must not be called from onUpdate.
	Stop() error
	// Running reports whether a poll loop is active.
	Running() bool
}

// Compile-time interface check.
var _ Poller = (*poller)(nil)

type poller struct {
	log      logrus.FieldLogger
	source   StatusSource
	interval time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished chan struct{}
}

// New creates a new status poller. A non-positive interval means
// DefaultInterval.
func New(log logrus.FieldLogger, source StatusSource, interval time.Duration) Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &poller{
		log:      log.WithField("component", "status-poller"),
		source:   source,
		interval: interval,
	}
}

func (p *poller) Start(ctx context.Context, appBuildID int64, onUpdate UpdateFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished != nil && !isClosed(p.finished) {
		return ErrRunning
	}

	if onUpdate == nil {
		onUpdate = func(*api.BuildRecord) {}
	}

	runCtx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})

	p.cancel = cancel
	p.finished = finished

	p.log.WithFields(logrus.Fields{
		"app_build_id": appBuildID,
		"interval":     p.interval.String(),
	}).Info("Starting status poller")

	go p.run(runCtx, cancel, finished, appBuildID, onUpdate)

	return nil
}

func (p *poller) Stop() error {
	p.mu.Lock()
	cancel, finished := p.cancel, p.finished
	p.cancel, p.finished = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-finished

	return nil
}

func (p *poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.finished != nil && !isClosed(p.finished)
}

func (p *poller) run(
	ctx context.Context,
	cancel context.CancelFunc,
	finished chan struct{},
	appBuildID int64,
	onUpdate UpdateFunc,
) {
	defer close(finished)
	defer cancel()

	log := p.log.WithField("app_build_id", appBuildID)

	// Run one poll immediately.
	if p.poll(ctx, log, appBuildID, onUpdate) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.poll(ctx, log, appBuildID, onUpdate) {
				return
			}
		case <-ctx.Done():
			log.Debug("Status poller stopped")

			return
		}
	}
}

// poll fetches the record once and reports whether the loop should end.
func (p *poller) poll(
	ctx context.Context,
	log logrus.FieldLogger,
	appBuildID int64,
	onUpdate UpdateFunc,
) bool {
	record, err := p.source.GetBuildStatus(ctx, appBuildID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}

		log.WithError(err).Warn("Status poll failed, will retry")

		return false
	}

	// A stop racing the response wins; the record is dropped.
	if ctx.Err() != nil {
		return true
	}

	log.WithFields(logrus.Fields{
		"status":         record.Status,
		"stage_progress": record.StageProgress,
	}).Debug("Polled build status")

	onUpdate(record)

	if record.Status.IsTerminal() {
		log.WithField("status", record.Status).Info("Build reached terminal status")

		return true
	}

	return false
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
