package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// archiveFile moves a consumed journal file into archiveDir. When a direct
// rename fails, typically across filesystems, the file is copied, synced and
// then removed from the active directory.
func archiveFile(path, archiveDir string) (string, error) {
	dest := filepath.Join(archiveDir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: %s", ErrFileExists, dest)
	}

	renameErr := os.Rename(path, dest)
	if renameErr == nil {
		syncDir(archiveDir)
		return dest, nil
	}

	if err := copyFile(path, dest); err != nil {
		return "", fmt.Errorf("journal: failed to archive %s: %w", path, errors.Join(renameErr, err))
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("journal: archived %s but failed to remove it: %w", path, err)
	}
	syncDir(archiveDir)
	return dest, nil
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
