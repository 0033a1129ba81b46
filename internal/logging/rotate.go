package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// RotatingWriter is a size-rotating file sink. The live file is
// <dir>/<name>.log; backups are <name>.log.1 … <name>.log.<backups>,
// oldest last. With compression enabled, backups get a .zst suffix.
// There is exactly one writer (the owning process); Write is serialized.
type RotatingWriter struct {
	dir      string
	name     string
	maxBytes int64
	backups  int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter creates the log directory if needed and opens the live
// file for appending.
func NewRotatingWriter(dir, name string, maxBytes int64, backups int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &RotatingWriter{dir: dir, name: name, maxBytes: maxBytes, backups: backups, compress: compress}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the live log file path.
func (w *RotatingWriter) Path() string {
	return filepath.Join(w.dir, w.name+".log")
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when it would exceed the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.maxBytes > 0 && w.size+int64(len(p)) > w.maxBytes && w.size > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate shifts backups up by one and starts a fresh live file.
// Called with the mutex held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}
	w.file = nil

	base := w.Path()
	suffix := ""
	if w.compress {
		suffix = ".zst"
	}

	// Drop the oldest backup, then shift the rest.
	_ = os.Remove(fmt.Sprintf("%s.%d%s", base, w.backups, suffix))
	for i := w.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d%s", base, i, suffix)
		to := fmt.Sprintf("%s.%d%s", base, i+1, suffix)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}

	if w.backups > 0 {
		if w.compress {
			if err := compressFile(base, base+".1.zst"); err != nil {
				return fmt.Errorf("compress rotated log: %w", err)
			}
			_ = os.Remove(base)
		} else if err := os.Rename(base, base+".1"); err != nil {
			return fmt.Errorf("rename rotated log: %w", err)
		}
	} else {
		_ = os.Remove(base)
	}

	return w.open()
}

// Close closes the live file. Further writes reopen it.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
