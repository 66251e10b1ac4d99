package main

import (
	"github.com/gamelaunchercloud/glc/pkg/orchestrator"
	"github.com/sirupsen/logrus"
)

// snapshotLogger renders orchestrator snapshots as log lines. Phase changes
// log at Info, progress within a phase at Debug.
type snapshotLogger struct {
	log  logrus.FieldLogger
	last orchestrator.State
	msg  string
}

func newSnapshotLogger(log logrus.FieldLogger) *snapshotLogger {
	return &snapshotLogger{log: log, last: orchestrator.StateIdle}
}

func (l *snapshotLogger) OnSnapshot(s orchestrator.Snapshot) {
	fields := logrus.Fields{
		"state":    s.State,
		"progress": int(s.Progress * 100),
	}

	if id := s.AppBuildID(); id != 0 {
		fields["build_id"] = id
	}

	if s.Build != nil {
		fields["status"] = s.Build.Summary()
	}

	entry := l.log.WithFields(fields)

	switch {
	case s.State == orchestrator.StateFailed:
		entry.WithField("kind", s.ErrorKind).Error(s.Message)
	case s.State == orchestrator.StateCancelled:
		entry.Warn(s.Message)
	case s.State != l.last, s.State == orchestrator.StateMonitoring && s.Message != l.msg:
		entry.Info(s.Message)
	default:
		entry.Debug(s.Message)
	}

	l.last = s.State
	l.msg = s.Message
}
