package rolling

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// maxReplayLine bounds the buffer used to read a single archived line.
const maxReplayLine = 64 * 1024 * 1024

// Replay calls fn for every line of the stream in write order: archive segments
// in name order, then the active file. Lines are passed without their trailing
// newline. Segments sealed as <stream>.gz are decompressed transparently.
func (w *Writer) Replay(fn func(line []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return replay(w.path, w.lockPath, w.opts.ArchiveDir, fn)
}

// ReplayStream is Replay for a stream without a Writer, for example from a
// separate reader process. An empty archiveDir selects <dir>/archived.
func ReplayStream(path, archiveDir string, fn func(line []byte) error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("rolling: resolve %s: %w", path, err)
	}
	if archiveDir == "" {
		archiveDir = filepath.Join(filepath.Dir(abs), "archived")
	}
	return replay(abs, abs+".lock", archiveDir, fn)
}

func replay(path, lockPath, archiveDir string, fn func(line []byte) error) error {
	lk, err := acquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLock, err)
	}
	defer func() { _ = lk.release() }()

	segments, err := listSegments(archiveDir, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("rolling: list segments: %w", err)
	}
	for _, seg := range append(segments, path) {
		if err := replayFile(seg, fn); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rolling: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("rolling: gzip %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
	for scanner.Scan() {
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rolling: read %s: %w", path, err)
	}
	return nil
}

// Export writes the replayed stream to out as a gzip member, one line per
// record, and returns the number of lines written.
func Export(path, archiveDir string, out io.Writer) (int, error) {
	zw := gzip.NewWriter(out)
	n := 0
	err := ReplayStream(path, archiveDir, func(line []byte) error {
		if _, err := zw.Write(line); err != nil {
			return err
		}
		if _, err := zw.Write([]byte{'\n'}); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		_ = zw.Close()
		return n, err
	}
	return n, zw.Close()
}
