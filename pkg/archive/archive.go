package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/gamelaunchercloud/glc/pkg/fsutil"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultArchiveName is the artifact file name inside OutputDir.
	DefaultArchiveName = "Build.zip"
	// DefaultOutputDir holds packaged builds.
	DefaultOutputDir = "Builds"
)

var (
	// ErrNoBuild is returned when the source directory holds no files.
	ErrNoBuild = errors.New("no build found")
	// ErrInsufficientSpace is returned when the output volume is too full.
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// Config configures a zip Producer.
type Config struct {
	// OutputDir receives the archive. It is created if missing.
	OutputDir string
	// ArchiveName is the file name of the archive.
	ArchiveName string
	// MinFreeSpace is the free space, in bytes, required on the output
	// volume beyond the uncompressed build size. Zero disables the check.
	MinFreeSpace int64
	// CompressionLevel is a flate level; zero means flate.DefaultCompression.
	CompressionLevel int
}

// BuildInfo describes a packaged build directory and its archive.
type BuildInfo struct {
	SourceDir     string
	Exists        bool
	Files         int
	Size          int64
	ModTime       time.Time
	ArchivePath   string
	ArchiveExists bool
	ArchiveSize   int64
}

// Producer turns a build directory into a single uploadable artifact.
type Producer interface {
	// Produce archives sourceDir and returns the artifact path. Running it
	// again replaces the previous artifact.
	Produce(ctx context.Context, sourceDir string) (string, error)
	// Inspect reports on sourceDir and any existing artifact.
	Inspect(ctx context.Context, sourceDir string) (*BuildInfo, error)
	// ArchivePath is where Produce writes the artifact.
	ArchivePath() string
}

// Compile-time interface check.
var _ Producer = (*zipProducer)(nil)

type zipProducer struct {
	log logrus.FieldLogger
	cfg Config
}

// NewZipProducer creates a Producer writing deflate zip archives.
func NewZipProducer(log logrus.FieldLogger, cfg Config) Producer {
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}

	if cfg.ArchiveName == "" {
		cfg.ArchiveName = DefaultArchiveName
	}

	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = flate.DefaultCompression
	}

	return &zipProducer{
		log: log.WithField("component", "archive"),
		cfg: cfg,
	}
}

func (p *zipProducer) ArchivePath() string {
	return filepath.Join(p.cfg.OutputDir, p.cfg.ArchiveName)
}

func (p *zipProducer) Inspect(ctx context.Context, sourceDir string) (*BuildInfo, error) {
	info := &BuildInfo{
		SourceDir:   sourceDir,
		ArchivePath: p.ArchivePath(),
	}

	if st, err := os.Stat(info.ArchivePath); err == nil && st.Mode().IsRegular() {
		info.ArchiveExists = true
		info.ArchiveSize = st.Size()
	}

	st, err := os.Stat(sourceDir)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}

	if err != nil {
		return nil, fmt.Errorf("stat build dir: %w", err)
	}

	if !st.IsDir() {
		return nil, fmt.Errorf("build path %s is not a directory", sourceDir)
	}

	usage, err := scan(ctx, sourceDir, p.excluded)
	if err != nil {
		return nil, err
	}

	info.Exists = usage.files > 0
	info.Files = usage.files
	info.Size = usage.size
	info.ModTime = usage.modTime

	return info, nil
}

func (p *zipProducer) Produce(ctx context.Context, sourceDir string) (string, error) {
	info, err := p.Inspect(ctx, sourceDir)
	if err != nil {
		return "", err
	}

	if !info.Exists {
		return "", fmt.Errorf("%w in %s", ErrNoBuild, sourceDir)
	}

	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}

	if err := p.checkFreeSpace(ctx, info.Size); err != nil {
		return "", err
	}

	log := p.log.WithFields(logrus.Fields{
		"source":  sourceDir,
		"archive": info.ArchivePath,
		"files":   info.Files,
		"size":    units.HumanSize(float64(info.Size)),
	})

	log.Info("Creating build archive")

	start := time.Now()

	err = fsutil.WriteAtomic(info.ArchivePath, 0o644, func(f *os.File) error {
		return p.write(ctx, f, sourceDir)
	})
	if err != nil {
		return "", err
	}

	if st, err := os.Stat(info.ArchivePath); err == nil {
		log = log.WithField("compressed", units.HumanSize(float64(st.Size())))
	}

	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Build archive created")

	return info.ArchivePath, nil
}

func (p *zipProducer) write(ctx context.Context, out *os.File, sourceDir string) error {
	zw := zip.NewWriter(out)

	level := p.cfg.CompressionLevel
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		// Covers out itself and leftovers of an interrupted run.
		if !d.IsDir() && p.excluded(path) {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil || rel == "." {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}

		hdr.Name = filepath.ToSlash(rel)

		if d.IsDir() {
			hdr.Name += "/"
			_, err = zw.CreateHeader(hdr)

			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}

		return copyFile(w, path)
	})
	if err != nil {
		_ = zw.Close()

		return fmt.Errorf("writing archive: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}

	return nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(w, f)

	return err
}

func (p *zipProducer) checkFreeSpace(ctx context.Context, buildSize int64) error {
	if p.cfg.MinFreeSpace <= 0 {
		return nil
	}

	usage, err := disk.UsageWithContext(ctx, p.cfg.OutputDir)
	if err != nil {
		p.log.WithError(err).Warn("Could not determine free disk space")

		return nil
	}

	need := uint64(p.cfg.MinFreeSpace + buildSize)
	if usage.Free < need {
		return fmt.Errorf("%w: %s free on %s, need %s",
			ErrInsufficientSpace,
			units.HumanSize(float64(usage.Free)),
			p.cfg.OutputDir,
			units.HumanSize(float64(need)))
	}

	return nil
}

// excluded reports whether path is left out of scans and archives: the
// artifact itself and its in-progress temp files, which may live inside the
// build directory.
func (p *zipProducer) excluded(path string) bool {
	if fsutil.IsTemp(filepath.Base(path), p.cfg.ArchiveName) {
		return true
	}

	return absPath(path) == absPath(p.ArchivePath())
}

type dirUsage struct {
	size    int64
	files   int
	modTime time.Time
}

// entryInfo stats a directory entry.
var entryInfo = fs.DirEntry.Info

// scan totals the regular files under dir that exclude does not reject.
// Top-level subdirectories are walked concurrently.
func scan(ctx context.Context, dir string, exclude func(path string) bool) (*dirUsage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading build dir: %w", err)
	}

	var (
		size    atomic.Int64
		files   atomic.Int64
		modTime atomic.Int64
	)

	// Excluded files are rejected before stat since a temp file may be
	// renamed away mid-scan.
	skip := func(path string) bool {
		return exclude != nil && exclude(path)
	}

	add := func(info fs.FileInfo) {
		size.Add(info.Size())
		files.Add(1)

		mt := info.ModTime().UnixNano()
		for {
			cur := modTime.Load()
			if mt <= cur || modTime.CompareAndSwap(cur, mt) {
				break
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	var statErr error

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if !entry.IsDir() {
			if !entry.Type().IsRegular() || skip(path) {
				continue
			}

			info, err := entryInfo(entry)
			if err != nil {
				// Stop the walkers and wait for them before returning.
				statErr = fmt.Errorf("stat %s: %w", path, err)
				cancel()

				break
			}

			add(info)

			continue
		}

		g.Go(func() error {
			return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}

				if err := gCtx.Err(); err != nil {
					return err
				}

				if !d.Type().IsRegular() || skip(p) {
					return nil
				}

				info, err := entryInfo(d)
				if err != nil {
					return err
				}

				add(info)

				return nil
			})
		})
	}

	waitErr := g.Wait()

	if statErr != nil {
		return nil, statErr
	}

	if waitErr != nil {
		return nil, fmt.Errorf("scanning build dir: %w", waitErr)
	}

	usage := &dirUsage{
		size:  size.Load(),
		files: int(files.Load()),
	}

	if mt := modTime.Load(); mt > 0 {
		usage.modTime = time.Unix(0, mt)
	}

	return usage, nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}

	return abs
}
