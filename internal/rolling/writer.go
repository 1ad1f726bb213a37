// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rolling implements an append-only line log whose disk usage is bounded
// by a capped active file plus independently capped archive segments.
//
// Layout for a stream at <dir>/events.jsonl:
//
//	<dir>/events.jsonl                         active file
//	<dir>/events.jsonl.lock                    advisory lock file
//	<archive>/20250815_120828/events.jsonl     archive segment
//
// Every CheckEvery writes an enforcement pass moves the oldest lines of the
// active file into the newest archive segment and atomically replaces the active
// file with the remaining tail. Concatenating the segments in name order followed
// by the active file reproduces every line ever written, in order, exactly once.
//
// Writers hold no persistent handles and take an advisory lock on the sibling
// lock file for each append, so several processes may share one stream.
package rolling

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrAppend marks a failed append; it is the only failure WriteLine reports.
	ErrAppend = errors.New("rolling: append failed")
	// ErrLock marks a failure to take the cross-process lock.
	ErrLock = errors.New("rolling: lock failed")
)

// Writer appends lines to one stream.
type Writer struct {
	path     string
	lockPath string
	opts     Options

	mu  sync.Mutex
	ops int
}

// New creates a Writer for path. The parent directory is created if needed.
func New(path string, opts Options) (*Writer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("rolling: resolve %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("rolling: create log directory: %w", err)
	}
	return &Writer{
		path:     abs,
		lockPath: abs + ".lock",
		opts:     opts.normalized(abs),
	}, nil
}

// Path returns the active file path.
func (w *Writer) Path() string { return w.path }

// ArchiveDir returns the archive root.
func (w *Writer) ArchiveDir() string { return w.opts.ArchiveDir }

// Options returns the effective options.
func (w *Writer) Options() Options { return w.opts }

// normalizeLine strips trailing line breaks and escapes interior newlines so a
// call always produces exactly one line.
func normalizeLine(line string) []byte {
	line = strings.TrimRight(line, "\r\n")
	if strings.ContainsAny(line, "\r\n") {
		line = strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(line)
	}
	b := make([]byte, 0, len(line)+1)
	b = append(b, line...)
	return append(b, '\n')
}

// WriteLine appends one line. Only a failed lock or append is returned;
// problems during the periodic enforcement pass are logged and swallowed.
func (w *Writer) WriteLine(line string) error {
	data := normalizeLine(line)

	w.mu.Lock()
	defer w.mu.Unlock()

	lk, err := acquireLock(w.lockPath)
	if err != nil {
		w.opts.Metrics.RecordAppendFailure()
		return fmt.Errorf("%w: %w", ErrLock, err)
	}
	defer func() { _ = lk.release() }()

	if err := appendFile(w.path, data); err != nil {
		w.opts.Metrics.RecordAppendFailure()
		return fmt.Errorf("%w: %w", ErrAppend, err)
	}
	w.opts.Metrics.RecordLineWritten()

	w.ops++
	if w.ops%w.opts.CheckEvery == 0 {
		if err := w.enforceLocked(); err != nil {
			w.opts.Logger.WithField("stream", filepath.Base(w.path)).Debugf("rolling enforcement skipped: %v", err)
		}
	}
	return nil
}

// Write implements io.Writer by appending each line of p.
func (w *Writer) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\r\n")
	for _, line := range strings.Split(text, "\n") {
		if err := w.WriteLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Enforce runs an enforcement pass immediately and reports its error.
func (w *Writer) Enforce() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	lk, err := acquireLock(w.lockPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLock, err)
	}
	defer func() { _ = lk.release() }()
	return w.enforceLocked()
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// enforceLocked trims the active file to its cap. The caller holds both locks.
func (w *Writer) enforceLocked() error {
	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var moved int
	switch {
	case w.opts.MaxActiveLines > 0:
		total, err := countLines(w.path)
		if err != nil {
			w.opts.Metrics.RecordEnforcement(0, true)
			return err
		}
		excess := total - w.opts.MaxActiveLines
		if excess <= 0 {
			return nil
		}
		moved, err = w.trimOldest(func(n int, _ int64) bool { return n < excess })
		w.opts.Metrics.RecordEnforcement(moved, err != nil)
		return err
	case w.opts.MaxActiveBytes > 0 && info.Size() > w.opts.MaxActiveBytes:
		excess := info.Size() - w.opts.MaxActiveBytes
		moved, err = w.trimOldest(func(_ int, b int64) bool { return b < excess })
		w.opts.Metrics.RecordEnforcement(moved, err != nil)
		return err
	}
	return nil
}

// trimOldest streams the leading lines of the active file into the archive while
// move(linesMoved, bytesMoved) holds, writes the rest to a temp file and renames
// it over the active file. The rename is the only visible change to the active
// file; a failure before it leaves the active file untouched.
func (w *Writer) trimOldest(move func(lines int, bytes int64) bool) (int, error) {
	src, err := os.Open(w.path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	seg, err := w.openSegment()
	if err != nil {
		return 0, err
	}
	defer seg.close()

	tmpPath := fmt.Sprintf("%s.tmp.%s", w.path, uuid.New().String())
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	r := bufio.NewReader(src)
	out := bufio.NewWriter(tmp)
	var lines int
	var bytes int64
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 {
			if move(lines, bytes) {
				if err := seg.write(line); err != nil {
					_ = tmp.Close()
					return lines, err
				}
				lines++
				bytes += int64(len(line))
			} else if _, err := out.Write(line); err != nil {
				_ = tmp.Close()
				return lines, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = tmp.Close()
			return lines, rerr
		}
	}

	if err := seg.sync(); err != nil {
		_ = tmp.Close()
		return lines, err
	}
	if err := out.Flush(); err != nil {
		_ = tmp.Close()
		return lines, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return lines, err
	}
	if err := tmp.Close(); err != nil {
		return lines, err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return lines, err
	}
	cleanup = false
	syncDir(filepath.Dir(w.path))
	return lines, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	n := 0
	for {
		c, err := f.Read(buf)
		for _, b := range buf[:c] {
			if b == '\n' {
				n++
			}
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// syncDir makes the rename durable on filesystems that need it; best effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
