package history

import (
	"context"
	"sync"
	"time"

	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/gamelaunchercloud/glc/pkg/orchestrator"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// Recorder is an orchestrator.Observer that persists an attempt on every
// state change once the server has issued a ticket. Write failures are
// logged and never interrupt the upload.
type Recorder struct {
	log   logrus.FieldLogger
	store Store
	ctx   context.Context

	mu   sync.Mutex
	last map[int64]recorded
}

type recorded struct {
	state  orchestrator.State
	status string
}

// Compile-time interface check.
var _ orchestrator.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to store. ctx bounds every write.
func NewRecorder(ctx context.Context, log logrus.FieldLogger, store Store) *Recorder {
	return &Recorder{
		log:   log.WithField("component", "history-recorder"),
		store: store,
		ctx:   context.WithoutCancel(ctx),
		last:  make(map[int64]recorded, 1),
	}
}

// OnSnapshot implements orchestrator.Observer.
func (r *Recorder) OnSnapshot(s orchestrator.Snapshot) {
	id := s.AppBuildID()
	if id == 0 {
		return
	}

	cur := recorded{state: s.State}
	if s.Build != nil {
		cur.status = string(s.Build.Status)
	}

	r.mu.Lock()
	prev, seen := r.last[id]
	if seen && prev == cur {
		r.mu.Unlock()

		return
	}

	r.last[id] = cur
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()

	if err := r.store.Upsert(ctx, FromSnapshot(s)); err != nil {
		r.log.WithError(err).WithField("build_id", id).Warn("Failed to record upload")
	}
}

// FromSnapshot converts an attempt snapshot to a Record.
func FromSnapshot(s orchestrator.Snapshot) *Record {
	rec := &Record{
		AppID:        s.AppID,
		ArtifactPath: s.ArtifactPath,
		FileName:     s.FileName,
		State:        s.State.String(),
		Progress:     s.Progress,
		Message:      s.Message,
		Attempt:      s.Attempt,
	}

	if s.ErrorKind != api.KindUnknown {
		rec.ErrorKind = s.ErrorKind.String()
	}

	if t := s.Ticket; t != nil {
		rec.AppBuildID = t.AppBuildID
		rec.StorageKey = t.StorageKey
		rec.UploadURL = t.UploadURL
		rec.FinalURL = t.FinalURL
	}

	if b := s.Build; b != nil {
		rec.BuildStatus = string(b.Status)
	}

	return rec
}
