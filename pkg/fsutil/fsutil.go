package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempSuffix marks in-progress files written by WriteAtomic.
const TempSuffix = ".tmp"

// IsTemp reports whether name looks like a WriteAtomic temp file for base.
func IsTemp(name, base string) bool {
	return strings.HasPrefix(name, base+".") && strings.HasSuffix(name, TempSuffix)
}

// WriteAtomic creates path by handing a temp file in the same directory to
// write and renaming it into place once write, sync and close succeed. The
// temp file is removed on any failure, so path is either the previous
// content or the complete new content.
func WriteAtomic(path string, perm os.FileMode, write func(f *os.File) error) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return err
	}

	if err := tmp.Chmod(perm); err != nil {
		return fail(fmt.Errorf("setting permissions: %w", err))
	}

	if err := write(tmp); err != nil {
		return fail(err)
	}

	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing %s: %w", tmpPath, err))
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("replacing %s: %w", path, err)
	}

	return nil
}

// WriteFileAtomic writes data to path with WriteAtomic, creating the parent
// directory with dirPerm if needed.
func WriteFileAtomic(path string, data []byte, perm, dirPerm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	return WriteAtomic(path, perm, func(f *os.File) error {
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}

		return nil
	})
}
