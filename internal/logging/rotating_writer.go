package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before a same-day rollover.
const DefaultMaxBytes int64 = 50 << 20

// RotatingWriter appends to <stem>-YYYY-MM-DD[-N]<ext> next to BasePath,
// opening a new file each UTC day and whenever the next write would push the
// current file past MaxBytes. BasePath itself is kept as a link to the live file.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu    sync.Mutex
	day   string
	seq   int
	file  *os.File
	size  int64
	clock func() time.Time
}

// NewRotatingWriter opens the writer for basePath. "-" discards output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardCloser{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, clock: time.Now}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

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

// roll must be called with mu held.
func (w *RotatingWriter) roll(incoming int64) error {
	day := w.clock().UTC().Format(time.DateOnly)
	switch {
	case w.file == nil || w.day != day:
		w.day, w.seq = day, 1
	case w.size > 0 && w.size+incoming > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	target := w.currentPath()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("logging: create dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", target, err)
	}
	w.file, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.link(target)
	return nil
}

func (w *RotatingWriter) currentPath() string {
	dir, name := filepath.Split(w.BasePath)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	file := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		file = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.seq, ext)
	}
	return filepath.Join(dir, file)
}

// link points BasePath at target: a symlink when possible, otherwise a
// hard link.
func (w *RotatingWriter) link(target string) {
	if dest, err := os.Readlink(w.BasePath); err == nil && dest == target {
		return
	}
	_ = os.Remove(w.BasePath)
	if err := os.Symlink(target, w.BasePath); err != nil {
		_ = os.Link(target, w.BasePath)
	}
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
