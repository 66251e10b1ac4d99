package orchestrator

import (
	"fmt"
	"time"

	"github.com/gamelaunchercloud/glc/pkg/api"
)

// State is a phase of one orchestrated upload.
type State int

const (
	StateIdle State = iota
	StateCheckingQuota
	StateStartingUpload
	StateUploading
	StateFinalizing
	StateMonitoring
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateCheckingQuota:  "checking_quota",
	StateStartingUpload: "starting_upload",
	StateUploading:      "uploading",
	StateFinalizing:     "finalizing",
	StateMonitoring:     "monitoring",
	StateCompleted:      "completed",
	StateFailed:         "failed",
	StateCancelled:      "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal reports whether the attempt has ended.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Phase progress anchors.
const (
	progressCheckingQuota  = 0.1
	progressStartingUpload = 0.2
	progressTransferSpan   = 0.7
	progressFinalizing     = 0.95
	progressCompleted      = 1.0
)

// Snapshot is an immutable view of an attempt, delivered to the Observer on
// every change. Pointer fields are shared and must be treated as read-only.
type Snapshot struct {
	State    State
	Progress float64
	Message  string

	// ErrorKind and Err are set on Failed and Cancelled snapshots.
	ErrorKind api.Kind
	Err       error

	AppID        int64
	ArtifactPath string
	FileName     string
	Attempt      int

	Quota  *api.UploadQuotaCheck
	Ticket *api.UploadTicket
	Build  *api.BuildRecord

	BytesSent  int64
	TotalBytes int64

	At time.Time
}

// AppBuildID returns the server build id once a ticket was issued.
func (s Snapshot) AppBuildID() int64 {
	if s.Ticket == nil {
		return 0
	}

	return s.Ticket.AppBuildID
}

// Observer receives snapshots. Calls are serialized and ordered.
type Observer interface {
	OnSnapshot(Snapshot)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) OnSnapshot(s Snapshot) {
	f(s)
}

type multiObserver []Observer

func (m multiObserver) OnSnapshot(s Snapshot) {
	for _, o := range m {
		o.OnSnapshot(s)
	}
}

// MultiObserver fans snapshots out to every non-nil observer in order.
func MultiObserver(observers ...Observer) Observer {
	out := make(multiObserver, 0, len(observers))

	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}

	return out
}
