package writer

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/MarcelWind/polymarket-history-generator/internal/errs"
)

// registerCompressor swaps the zip package's default DEFLATE
// implementation for klauspost/compress's, which compresses faster and
// at a higher ratio. Done once per process.
var registerCompressor = sync.OnceFunc(func() {
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
})

const archivePerm = 0o640

// Archive serializes dataDir into a zip at a sibling temporary path, then
// atomically replaces archivePath with it. If the new snapshot is no
// smaller than the existing archive (same size or larger), backups are
// rotated first: archivePath -> data_backup_1.zip, and
// data_backup_1.zip -> data_backup_2.zip only when the incoming backup1
// is larger than the existing backup2. A smaller snapshot still replaces
// the live archive, skipping rotation, with a warning logged.
func (w *Writer) Archive(archivePath string) error {
	registerCompressor()

	tmp := archivePath + ".tmp"
	defer os.Remove(tmp)

	if err := writeZip(w.dataDir, tmp); err != nil {
		return &errs.ArchiveError{Op: "write zip", Err: err}
	}

	if err := w.replaceWithRotation(archivePath, tmp); err != nil {
		return &errs.ArchiveError{Op: "replace archive", Err: err}
	}

	return nil
}

func (w *Writer) replaceWithRotation(archivePath, tmp string) error {
	newSize, err := fileSize(tmp)
	if err != nil {
		return err
	}

	existingSize, existsErr := fileSize(archivePath)
	exists := existsErr == nil

	if exists && newSize >= existingSize {
		if err := rotateBackups(archivePath, w.logger); err != nil {
			return err
		}
	} else if exists {
		w.logger.Warn("new archive snapshot smaller than existing, skipping backup rotation",
			"new_size", newSize, "existing_size", existingSize)
	}

	if err := os.Chmod(tmp, archivePerm); err != nil {
		return err
	}
	return os.Rename(tmp, archivePath)
}

func rotateBackups(archivePath string, logger *slog.Logger) error {
	dir := filepath.Dir(archivePath)
	backup1 := filepath.Join(dir, "data_backup_1.zip")
	backup2 := filepath.Join(dir, "data_backup_2.zip")

	backup1Size, b1Err := fileSize(backup1)
	backup2Size, b2Err := fileSize(backup2)

	if b1Err == nil && (b2Err != nil || backup1Size > backup2Size) {
		if err := os.Rename(backup1, backup2); err != nil {
			return fmt.Errorf("rotate backup1->backup2: %w", err)
		}
	} else if b1Err == nil {
		logger.Warn("existing backup1 no larger than backup2, skipping rotation",
			"backup1_size", backup1Size, "backup2_size", backup2Size)
	}

	if err := os.Rename(archivePath, backup1); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate archive->backup1: %w", err)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func writeZip(dataDir, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	err = filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}

		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.ToSlash(rel),
			Method: zip.Deflate,
		})
		if err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(fw, src)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}

	return zw.Close()
}
