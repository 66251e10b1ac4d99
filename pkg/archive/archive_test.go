package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// writeTree creates files relative to root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()

	r, err := zip.OpenReader(path)
	require.NoError(t, err)

	defer func() { _ = r.Close() }()

	out := make(map[string]string, len(r.File))

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		rc, err := f.Open()
		require.NoError(t, err)

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		out[f.Name] = string(data)
	}

	return out
}

func TestProduce(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"Game.exe":                "binary",
		"Game_Data/level1.assets": "level one",
		"Game_Data/sub/deep.bin":  "deep",
	}
	writeTree(t, src, files)

	out := t.TempDir()
	p := NewZipProducer(testLogger(), Config{OutputDir: out})

	path, err := p.Produce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, DefaultArchiveName), path)
	assert.Equal(t, files, readZip(t, path))

	// Running again replaces the archive and leaves no temp files behind.
	path2, err := p.Produce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, files, readZip(t, path2))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	assert.Equal(t, []string{DefaultArchiveName}, names)
}

func TestProduceSkipsArchiveInsideSource(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"Game.exe": "binary"})

	p := NewZipProducer(testLogger(), Config{OutputDir: src, ArchiveName: "Build.zip"})

	_, err := p.Produce(context.Background(), src)
	require.NoError(t, err)

	path, err := p.Produce(context.Background(), src)
	require.NoError(t, err)

	got := readZip(t, path)
	keys := make([]string, 0, len(got))

	for k := range got {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	assert.Equal(t, []string{"Game.exe"}, keys)
}

func TestProduceWithoutBuild(t *testing.T) {
	tests := []struct {
		name string
		dir  func(t *testing.T) string
	}{
		{name: "missing", dir: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }},
		{name: "empty", dir: func(t *testing.T) string { return t.TempDir() }},
		{
			name: "only empty subdirs",
			dir: func(t *testing.T) string {
				d := t.TempDir()
				require.NoError(t, os.MkdirAll(filepath.Join(d, "a", "b"), 0o755))

				return d
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewZipProducer(testLogger(), Config{OutputDir: t.TempDir()})

			_, err := p.Produce(context.Background(), tt.dir(t))
			assert.ErrorIs(t, err, ErrNoBuild)
		})
	}
}

func TestProduceInsufficientSpace(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"Game.exe": "binary"})

	out := t.TempDir()
	p := NewZipProducer(testLogger(), Config{OutputDir: out, MinFreeSpace: 1 << 62})

	_, err := p.Produce(context.Background(), src)
	require.ErrorIs(t, err, ErrInsufficientSpace)

	_, statErr := os.Stat(filepath.Join(out, DefaultArchiveName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProduceCancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a/Game.exe": "binary"})

	out := t.TempDir()
	p := NewZipProducer(testLogger(), Config{OutputDir: out})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Produce(ctx, src)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInspect(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"Game.exe":       "12345",
		"Data/one.pak":   "1234567890",
		"Data/x/two.pak": "12",
	})

	out := t.TempDir()
	p := NewZipProducer(testLogger(), Config{OutputDir: out})

	info, err := p.Inspect(context.Background(), src)
	require.NoError(t, err)

	assert.True(t, info.Exists)
	assert.Equal(t, 3, info.Files)
	assert.Equal(t, int64(17), info.Size)
	assert.False(t, info.ModTime.IsZero())
	assert.False(t, info.ArchiveExists)

	_, err = p.Produce(context.Background(), src)
	require.NoError(t, err)

	info, err = p.Inspect(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, info.ArchiveExists)
	assert.Positive(t, info.ArchiveSize)

	info, err = p.Inspect(context.Background(), filepath.Join(src, "missing"))
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.bin":         "aaaa",
		"x/b.bin":       "bb",
		"x/y/c.bin":     "c",
		"z/deep/d/e.db": "eeeeeeee",
	})

	usage, err := scan(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(15), usage.size)
	assert.Equal(t, 4, usage.files)

	_, err = scan(context.Background(), filepath.Join(root, "missing"), nil)
	assert.Error(t, err)
}

func TestInspectExcludesArtifact(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		wantFiles int
		wantSize  int64
	}{
		{
			name: "previous archive in build dir",
			files: map[string]string{
				"Game.pak":  strings.Repeat("g", 1000),
				"Build.zip": strings.Repeat("z", 5000),
			},
			wantFiles: 1,
			wantSize:  1000,
		},
		{
			name: "interrupted temp files",
			files: map[string]string{
				"Game.pak":               strings.Repeat("g", 1000),
				"Build.zip.123.tmp":      strings.Repeat("t", 700),
				"Data/Build.zip.456.tmp": strings.Repeat("t", 300),
				"Data/level.bin":         "12345",
			},
			wantFiles: 2,
			wantSize:  1005,
		},
		{
			name: "other archive names are counted",
			files: map[string]string{
				"Game.pak":          strings.Repeat("g", 1000),
				"Other.zip.123.tmp": "12",
			},
			wantFiles: 2,
			wantSize:  1002,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := t.TempDir()
			writeTree(t, src, tt.files)

			p := NewZipProducer(testLogger(), Config{OutputDir: src})

			info, err := p.Inspect(context.Background(), src)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFiles, info.Files)
			assert.Equal(t, tt.wantSize, info.Size)
		})
	}
}

func TestScanWaitsForWalkersOnStatError(t *testing.T) {
	root := t.TempDir()

	files := map[string]string{"z.bin": "z"}
	for i := range 20 {
		files[fmt.Sprintf("a_dir/f%02d.bin", i)] = "x"
	}

	writeTree(t, root, files)

	var (
		inFlight atomic.Int32
		started  = make(chan struct{})
		once     sync.Once
		boom     = errors.New("boom")
	)

	prev := entryInfo
	entryInfo = func(d fs.DirEntry) (fs.FileInfo, error) {
		if d.Name() == "z.bin" {
			select {
			case <-started:
			case <-time.After(5 * time.Second):
			}

			return nil, boom
		}

		inFlight.Add(1)
		defer inFlight.Add(-1)

		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)

		return d.Info()
	}

	t.Cleanup(func() { entryInfo = prev })

	_, err := scan(context.Background(), root, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "z.bin")
	assert.Zero(t, inFlight.Load(), "walkers still running after scan returned")
}
