package api

import (
	"fmt"
	"strings"
)

// LoginResult is the profile returned by a successful login.
type LoginResult struct {
	ID       string
	Username string
	Email    string
	Token    string
	Roles    []string
	PlanName string
}

// AppDescriptor is an app the user can upload builds to.
type AppDescriptor struct {
	ID            int64
	Name          string
	Description   string
	BuildCount    int
	IsOwnedByUser bool
}

// UploadQuotaCheck is the server's point-in-time upload decision. It must
// be re-queried before every attempt.
type UploadQuotaCheck struct {
	CanUpload             bool
	FileSizeBytes         int64
	UncompressedSizeBytes int64
	PlanName              string
	MaxCompressedSizeGB   int
	MaxUncompressedSizeGB int
}

// StartUploadRequest describes the artifact a new build is created for.
type StartUploadRequest struct {
	AppID            int64
	FileName         string
	FileSize         int64
	UncompressedSize int64
	Notes            string
}

// UploadTicket is the single-use grant returned by StartUpload.
type UploadTicket struct {
	AppBuildID int64
	UploadURL  string
	StorageKey string
	FinalURL   string
}

// Validate checks that the ticket carries what the transfer and finalize
// steps need.
func (t *UploadTicket) Validate() error {
	if t.AppBuildID <= 0 {
		return newError(KindEnvelope, "Upload ticket is missing the build id", nil)
	}

	if strings.TrimSpace(t.UploadURL) == "" {
		return newError(KindEnvelope, "Upload ticket is missing the upload URL", nil)
	}

	return nil
}

// BuildRecord is the server-owned processing record of a build.
type BuildRecord struct {
	AppBuildID         int64
	AppID              int64
	Status             BuildStatus
	FileName           string
	BuildNotes         string
	ErrorMessage       string
	FileSize           int64
	CompressedFileSize int64
	StageProgress      int
}

// Summary renders the record as a single status line.
func (r *BuildRecord) Summary() string {
	line := fmt.Sprintf("%s %s", r.Status.Icon(), r.Status)

	if !r.Status.IsTerminal() && r.StageProgress > 0 {
		line += fmt.Sprintf(" (%d%%)", r.StageProgress)
	}

	if r.ErrorMessage != "" {
		line += ": " + r.ErrorMessage
	}

	return line
}

func loginResultFromFields(f Fields) *LoginResult {
	res := &LoginResult{
		ID:       f.String("id"),
		Username: f.String("username"),
		Email:    f.String("email"),
		Token:    f.String("token"),
		Roles:    f.Strings("roles"),
	}

	if plan := f.Object("subscription").Object("plan"); plan != nil {
		res.PlanName = plan.String("name")
	}

	if res.PlanName == "" {
		res.PlanName = f.String("planName")
	}

	return res
}

func appFromFields(f Fields) AppDescriptor {
	return AppDescriptor{
		ID:            f.Int64("id"),
		Name:          f.String("name"),
		Description:   f.String("description"),
		BuildCount:    f.Int("buildCount"),
		IsOwnedByUser: f.Bool("isOwnedByUser"),
	}
}

func quotaFromFields(f Fields) *UploadQuotaCheck {
	return &UploadQuotaCheck{
		CanUpload:             f.Bool("canUpload"),
		FileSizeBytes:         f.Int64("fileSizeBytes"),
		UncompressedSizeBytes: f.Int64("uncompressedSizeBytes"),
		PlanName:              f.String("planName"),
		MaxCompressedSizeGB:   f.Int("maxCompressedSizeGB"),
		MaxUncompressedSizeGB: f.Int("maxUncompressedSizeGB"),
	}
}

func ticketFromFields(f Fields) *UploadTicket {
	return &UploadTicket{
		AppBuildID: f.Int64("appBuildId"),
		UploadURL:  f.String("uploadUrl"),
		StorageKey: f.String("key"),
		FinalURL:   f.String("finalUrl"),
	}
}

func buildRecordFromFields(f Fields) *BuildRecord {
	return &BuildRecord{
		AppBuildID:         f.Int64("appBuildId"),
		AppID:              f.Int64("appId"),
		Status:             ParseBuildStatus(f.String("status")),
		FileName:           f.String("fileName"),
		BuildNotes:         f.String("buildNotes"),
		ErrorMessage:       f.String("errorMessage"),
		FileSize:           f.Int64("fileSize"),
		CompressedFileSize: f.Int64("compressedFileSize"),
		StageProgress:      f.Int("stageProgress"),
	}
}
