package history

import (
	"time"

	"github.com/gamelaunchercloud/glc/pkg/api"
)

// Record is the persisted trace of one upload attempt, keyed by the
// server-assigned build id.
type Record struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	AppBuildID   int64   `gorm:"uniqueIndex;not null" json:"app_build_id"`
	AppID        int64   `gorm:"index;not null" json:"app_id"`
	FileName     string  `json:"file_name"`
	ArtifactPath string  `json:"artifact_path"`
	StorageKey   string  `json:"storage_key"`
	UploadURL    string  `json:"-"`
	FinalURL     string  `json:"final_url,omitempty"`
	State        string  `gorm:"not null" json:"state"`
	Progress     float64 `json:"progress"`
	Message      string  `json:"message"`
	ErrorKind    string  `json:"error_kind,omitempty"`
	BuildStatus  string  `json:"build_status,omitempty"`
	Attempt      int     `json:"attempt"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ticket rebuilds the upload grant the record was created from.
func (r *Record) Ticket() *api.UploadTicket {
	return &api.UploadTicket{
		AppBuildID: r.AppBuildID,
		UploadURL:  r.UploadURL,
		StorageKey: r.StorageKey,
		FinalURL:   r.FinalURL,
	}
}
