package rolling

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

const segmentTimeLayout = "20060102_150405"

// Segment directories are named YYYYMMDD_HHMMSS with an optional _NNN suffix
// for segments created within the same second; names sort in creation order as
// long as the clock does not step backwards.
var segmentDirPattern = regexp.MustCompile(`^\d{8}_\d{6}(_\d{3})?$`)

// segment appends archived lines to the current segment file, rotating to a new
// segment directory before a line would push it past its cap.
type segment struct {
	w     *Writer
	path  string
	file  *os.File
	bytes int64
	lines int
}

// openSegment selects the newest segment directory and reuses it if its stream
// file is under cap; otherwise a new directory is created.
func (w *Writer) openSegment() (*segment, error) {
	if err := os.MkdirAll(w.opts.ArchiveDir, 0o755); err != nil {
		return nil, err
	}
	s := &segment{w: w}

	dirs, err := segmentDirs(w.opts.ArchiveDir)
	if err != nil {
		return nil, err
	}
	if len(dirs) > 0 {
		path := filepath.Join(w.opts.ArchiveDir, dirs[len(dirs)-1], filepath.Base(w.path))
		size, lines, err := w.segmentUsage(path)
		if err != nil {
			return nil, err
		}
		// A compressed segment is sealed and never appended to.
		_, gzErr := os.Stat(path + ".gz")
		if gzErr != nil && !w.segmentFull(size, lines) {
			if err := s.open(path, size, lines); err != nil {
				return nil, err
			}
			return s, nil
		}
		if gzErr != nil && size > 0 {
			w.sealSegment(path)
		}
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (w *Writer) segmentUsage(path string) (int64, int, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	lines := 0
	if w.opts.SegmentMaxLines > 0 {
		if lines, err = countLines(path); err != nil {
			return 0, 0, err
		}
	}
	return info.Size(), lines, nil
}

func (w *Writer) segmentFull(size int64, lines int) bool {
	if w.opts.SegmentMaxBytes > 0 && size >= w.opts.SegmentMaxBytes {
		return true
	}
	return w.opts.SegmentMaxLines > 0 && lines >= w.opts.SegmentMaxLines
}

func (s *segment) open(path string, size int64, lines int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.path, s.file, s.bytes, s.lines = path, f, size, lines
	return nil
}

// rotate closes the current file and starts a fresh segment directory.
func (s *segment) rotate() error {
	prev := s.path
	if err := s.close(); err != nil {
		return err
	}
	if prev != "" {
		s.w.sealSegment(prev)
	}
	dir, err := s.w.newSegmentDir()
	if err != nil {
		return err
	}
	s.w.opts.Metrics.RecordSegmentRotated()
	return s.open(filepath.Join(dir, filepath.Base(s.w.path)), 0, 0)
}

// write appends one line. A line that does not fit rotates first; a line larger
// than the byte cap is written alone into a fresh segment.
func (s *segment) write(line []byte) error {
	n := int64(len(line))
	over := s.w.opts.SegmentMaxLines > 0 && s.lines >= s.w.opts.SegmentMaxLines
	if limit := s.w.opts.SegmentMaxBytes; limit > 0 && s.bytes > 0 && s.bytes+n > limit {
		over = true
	}
	if over {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(line); err != nil {
		return err
	}
	s.bytes += n
	s.lines++
	return nil
}

func (s *segment) sync() error {
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// sealSegment compresses a finished segment to <path>.gz and removes the plain
// file when CompressSealed is set. The plain file is only removed once the
// compressed copy is durable, so a failure leaves the segment readable as is.
func (w *Writer) sealSegment(path string) {
	if !w.opts.CompressSealed {
		return
	}
	if err := compressFile(path, path+".gz"); err != nil {
		w.opts.Logger.WithField("segment", path).Warnf("rolling: segment left uncompressed: %v", err)
		return
	}
	if err := os.Remove(path); err != nil {
		w.opts.Logger.WithField("segment", path).Warnf("rolling: remove sealed segment: %v", err)
		return
	}
	syncDir(filepath.Dir(path))
	w.opts.Metrics.RecordSegmentSealed()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmpPath := fmt.Sprintf("%s.tmp.%s", dst, uuid.New().String())
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	zw := gzip.NewWriter(tmp)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, bufio.NewReader(in)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// newSegmentDir creates a directory named after the current time, adding a
// numeric suffix when that name is taken.
func (w *Writer) newSegmentDir() (string, error) {
	base := w.opts.Now().Format(segmentTimeLayout)
	for i := 0; i < 1000; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%03d", base, i)
		}
		dir := filepath.Join(w.opts.ArchiveDir, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("rolling: no free segment name for %s", base)
}

func segmentDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && segmentDirPattern.MatchString(e.Name()) {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Segments lists this stream's archive segment files in creation order.
func (w *Writer) Segments() ([]string, error) {
	return listSegments(w.opts.ArchiveDir, filepath.Base(w.path))
}

func listSegments(archiveDir, stream string) ([]string, error) {
	dirs, err := segmentDirs(archiveDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dirs {
		for _, name := range []string{stream, stream + ".gz"} {
			p := filepath.Join(archiveDir, d, name)
			if _, err := os.Stat(p); err == nil {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}
