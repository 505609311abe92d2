package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405"

// RotatingWriter appends to a log file and moves it aside once it grows past
// maxSize. Backups are named <name>-<time><ext>, optionally gzipped, and
// removed after maxAge days.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64
	maxAge   time.Duration
	compress bool

	file *os.File
	size int64

	now func() time.Time
	// wg tracks background compression and cleanup so Close can wait on it
	wg sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, creating its directory.
// A maxSizeMB of 0 rotates on every write that would grow a non-empty file.
func NewRotatingWriter(filename string, maxSizeMB int, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) << 20,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.removeExpired()
	}()

	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file over its limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.backupName(w.now())
	if err := os.Rename(w.filename, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if w.compress {
			_ = compressFile(backup)
		}
		w.removeExpired()
	}()
	return nil
}

func (w *RotatingWriter) backupName(t time.Time) string {
	ext := filepath.Ext(w.filename)
	base := strings.TrimSuffix(w.filename, ext)
	name := fmt.Sprintf("%s-%s%s", base, t.Format(backupTimeFormat), ext)
	// Two rotations within one second must not overwrite each other
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			if _, err := os.Stat(name + ".gz"); os.IsNotExist(err) {
				return name
			}
		}
		name = fmt.Sprintf("%s-%s.%d%s", base, t.Format(backupTimeFormat), i, ext)
	}
}

// backups returns the rotated files belonging to this writer.
func (w *RotatingWriter) backups() []string {
	ext := filepath.Ext(w.filename)
	base := strings.TrimSuffix(w.filename, ext)
	matches, err := filepath.Glob(base + "-*" + ext + "*")
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range matches {
		if m == w.filename {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (w *RotatingWriter) removeExpired() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for _, path := range w.backups() {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

// compressFile gzips path into path.gz and removes the original.
func compressFile(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path + ".gz")
		}
	}()

	gz := gzip.NewWriter(dst)
	if _, err = io.Copy(gz, src); err != nil {
		return err
	}
	if err = gz.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
