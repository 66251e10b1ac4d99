package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gamelaunchercloud/glc/pkg/archive"
	"github.com/gamelaunchercloud/glc/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setUploadFlags(t *testing.T, dir, artifact string, skipArchive bool) {
	t.Helper()

	prevDir, prevArtifact, prevSkip := uploadBuildDir, uploadArtifact, uploadSkipArchive
	uploadBuildDir, uploadArtifact, uploadSkipArchive = dir, artifact, skipArchive

	t.Cleanup(func() {
		uploadBuildDir, uploadArtifact, uploadSkipArchive = prevDir, prevArtifact, prevSkip
	})
}

func TestPrepareArtifact_UncompressedSize(t *testing.T) {
	tests := []struct {
		name        string
		files       map[string]string
		external    bool
		skipArchive bool
		wantSize    int64
		wantErr     error
	}{
		{
			name: "produce ignores previous archive",
			files: map[string]string{
				"Game.pak":  strings.Repeat("g", 1000),
				"Build.zip": strings.Repeat("z", 5000),
			},
			wantSize: 1000,
		},
		{
			name: "external artifact ignores leftovers",
			files: map[string]string{
				"Game.pak":          strings.Repeat("g", 1000),
				"Build.zip":         strings.Repeat("z", 5000),
				"Build.zip.123.tmp": strings.Repeat("t", 400),
			},
			external: true,
			wantSize: 1000,
		},
		{
			name: "reused archive is not counted",
			files: map[string]string{
				"Game.pak":  strings.Repeat("g", 1000),
				"Build.zip": strings.Repeat("z", 5000),
			},
			skipArchive: true,
			wantSize:    1000,
		},
		{
			name:    "empty build dir",
			files:   map[string]string{},
			wantErr: archive.ErrNoBuild,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()

			for name, content := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
			}

			artifact := ""
			if tt.external {
				artifact = filepath.Join(t.TempDir(), "Upload.zip")
				require.NoError(t, os.WriteFile(artifact, []byte("zip"), 0o644))
			}

			setUploadFlags(t, dir, artifact, tt.skipArchive)

			sess := &session{cfg: &config.Config{Build: config.BuildConfig{
				OutputDir:   dir,
				ArchiveName: "Build.zip",
			}}}

			path, size, err := prepareArtifact(context.Background(), sess)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, size)

			if tt.external {
				assert.Equal(t, artifact, path)
			} else {
				assert.Equal(t, filepath.Join(dir, "Build.zip"), path)
			}
		})
	}
}
