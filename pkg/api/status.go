package api

import (
	"strconv"
	"strings"
)

// BuildStatus is the server-side processing state of an uploaded build.
// The set of values is append-only; the declaration order below is the
// server's processing order and matches its numeric enum values.
type BuildStatus string

const (
	StatusPending                  BuildStatus = "Pending"
	StatusGeneratingPresignedURL   BuildStatus = "GeneratingPresignedUrl"
	StatusUploadingBuild           BuildStatus = "UploadingBuild"
	StatusEnqueued                 BuildStatus = "Enqueued"
	StatusDownloadingBuild         BuildStatus = "DownloadingBuild"
	StatusDownloadingPreviousBuild BuildStatus = "DownloadingPreviousBuild"
	StatusUnzippingBuild           BuildStatus = "UnzippingBuild"
	StatusUnzippingPreviousBuild   BuildStatus = "UnzippingPreviousBuild"
	StatusCreatingPatch            BuildStatus = "CreatingPatch"
	StatusDeployingPatch           BuildStatus = "DeployingPatch"
	StatusCompleted                BuildStatus = "Completed"
	StatusFailed                   BuildStatus = "Failed"
	StatusCancelled                BuildStatus = "Cancelled"
	StatusDeleted                  BuildStatus = "Deleted"
)

// AllStatuses lists every known status in server enum order.
var AllStatuses = []BuildStatus{
	StatusPending,
	StatusGeneratingPresignedURL,
	StatusUploadingBuild,
	StatusEnqueued,
	StatusDownloadingBuild,
	StatusDownloadingPreviousBuild,
	StatusUnzippingBuild,
	StatusUnzippingPreviousBuild,
	StatusCreatingPatch,
	StatusDeployingPatch,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusDeleted,
}

// ParseBuildStatus maps a wire value to a BuildStatus. Names match
// case-insensitively and numeric enum values are accepted. Unknown values
// are kept verbatim and treated as non-terminal.
func ParseBuildStatus(raw string) BuildStatus {
	raw = strings.TrimSpace(raw)

	for _, s := range AllStatuses {
		if strings.EqualFold(raw, string(s)) {
			return s
		}
	}

	if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(AllStatuses) {
		return AllStatuses[n]
	}

	return BuildStatus(raw)
}

// IsTerminal reports whether no further transitions follow this status.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsKnown reports whether s is one of AllStatuses.
func (s BuildStatus) IsKnown() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}

	return false
}

// Icon returns a short glyph for terminal output.
func (s BuildStatus) Icon() string {
	switch s {
	case StatusCompleted:
		return "✅"
	case StatusFailed:
		return "❌"
	case StatusCancelled, StatusDeleted:
		return "🚫"
	case StatusPending, StatusEnqueued:
		return "⏳"
	case StatusGeneratingPresignedURL, StatusUploadingBuild,
		StatusDownloadingBuild, StatusDownloadingPreviousBuild:
		return "📦"
	case StatusUnzippingBuild, StatusUnzippingPreviousBuild,
		StatusCreatingPatch, StatusDeployingPatch:
		return "⚙️"
	default:
		return "❔"
	}
}
