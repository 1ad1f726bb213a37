package rolling

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/vdmtel/internal/metrics"
)

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 8, 15, 12, 8, 28, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func replayAll(t *testing.T, w *Writer) []string {
	t.Helper()
	var out []string
	require.NoError(t, w.Replay(func(line []byte) error {
		out = append(out, string(line))
		return nil
	}))
	return out
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestWriter_LineCapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "events.jsonl"), Options{
		MaxActiveLines:  10,
		SegmentMaxLines: 25,
		CheckEvery:      1,
		Now:             steppingClock(),
	})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 100; i++ {
		line := fmt.Sprintf(`{"i":%d}`, i)
		want = append(want, line)
		require.NoError(t, w.WriteLine(line))
		assert.LessOrEqual(t, len(fileLines(t, w.Path())), 10)
	}

	assert.Equal(t, want, replayAll(t, w))
	assert.Equal(t, want[90:], fileLines(t, w.Path()))

	segments, err := w.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 4)
	for _, seg := range segments {
		assert.LessOrEqual(t, len(fileLines(t, seg)), 25)
	}
	assert.Equal(t, filepath.Join(dir, "archived"), filepath.Dir(filepath.Dir(segments[0])))
}

// segmentLineCount counts the lines of a plain or gzipped segment.
func segmentLineCount(path string) (int, error) {
	n := 0
	err := replayFile(path, func([]byte) error {
		n++
		return nil
	})
	return n, err
}

func TestWriter_CompressesSealedSegments(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New(8)
	w, err := New(filepath.Join(dir, "events.jsonl"), Options{
		MaxActiveLines:  10,
		SegmentMaxLines: 25,
		CheckEvery:      1,
		CompressSealed:  true,
		Metrics:         m,
		Now:             steppingClock(),
	})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 100; i++ {
		line := fmt.Sprintf(`{"i":%d}`, i)
		want = append(want, line)
		require.NoError(t, w.WriteLine(line))
	}

	segments, err := w.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 4)
	for i, seg := range segments {
		n, err := segmentLineCount(seg)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 25)
		if i < len(segments)-1 {
			assert.True(t, strings.HasSuffix(seg, ".gz"), "rotated segment %s should be sealed", seg)
			_, err := os.Stat(strings.TrimSuffix(seg, ".gz"))
			assert.True(t, os.IsNotExist(err), "plain copy of %s should be removed", seg)
		} else {
			assert.False(t, strings.HasSuffix(seg, ".gz"), "current segment stays open for appends")
		}
	}
	assert.Equal(t, int64(3), m.Snapshot().SegmentsSealed)
	assert.Equal(t, want, replayAll(t, w))

	// A later writer finds the newest segment full, seals it and starts a new one.
	later := steppingClock()
	for i := 0; i < 10; i++ {
		later()
	}
	w2, err := New(w.Path(), Options{
		MaxActiveLines:  1,
		SegmentMaxLines: 15,
		CheckEvery:      1,
		CompressSealed:  true,
		Now:             later,
	})
	require.NoError(t, err)
	require.NoError(t, w2.WriteLine("tail"))
	want = append(want, "tail")

	segments, err = w2.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 5)
	assert.True(t, strings.HasSuffix(segments[3], ".gz"))
	assert.Equal(t, want, replayAll(t, w2))
}

func TestWriter_ByteCapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "utd_events.jsonl"), Options{
		MaxActiveBytes:  200,
		SegmentMaxBytes: 500,
		CheckEvery:      3,
		Now:             steppingClock(),
	})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 120; i++ {
		line := fmt.Sprintf("line-%d-%s", i, strings.Repeat("x", i%17))
		want = append(want, line)
		require.NoError(t, w.WriteLine(line))
	}
	require.NoError(t, w.Enforce())

	info, err := os.Stat(w.Path())
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(200))

	segments, err := w.Segments()
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	for _, seg := range segments {
		st, err := os.Stat(seg)
		require.NoError(t, err)
		assert.LessOrEqual(t, st.Size(), int64(500))
	}
	assert.Equal(t, want, replayAll(t, w))
}

func TestWriter_OversizedLineGetsOwnSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "app.log"), Options{
		MaxActiveLines:  1,
		SegmentMaxBytes: 16,
		CheckEvery:      1,
		Now:             steppingClock(),
	})
	require.NoError(t, err)

	lines := []string{"short", strings.Repeat("L", 40), "tail", "end"}
	for _, l := range lines {
		require.NoError(t, w.WriteLine(l))
	}

	segments, err := w.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, []string{"short"}, fileLines(t, segments[0]))
	assert.Equal(t, []string{strings.Repeat("L", 40)}, fileLines(t, segments[1]))
	assert.Equal(t, []string{"tail"}, fileLines(t, segments[2]))
	assert.Equal(t, lines, replayAll(t, w))
}

func TestWriter_ReusesSegmentUnderCap(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "events.jsonl"), Options{
		MaxActiveLines:  2,
		SegmentMaxLines: 100,
		CheckEvery:      5,
		Now:             steppingClock(),
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, w.WriteLine(fmt.Sprintf("%d", i)))
	}
	segments, err := w.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Len(t, fileLines(t, segments[0]), 18)
}

func TestWriter_NormalizesLines(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "events.jsonl"), Options{CheckEvery: 1000})
	require.NoError(t, err)

	require.NoError(t, w.WriteLine("one\n"))
	require.NoError(t, w.WriteLine("two\r\n"))
	require.NoError(t, w.WriteLine("three\nfour"))
	n, err := w.Write([]byte("five\nsix\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	assert.Equal(t, []string{"one", "two", `three\nfour`, "five", "six"}, fileLines(t, w.Path()))
}

func TestWriter_AppendFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.Mkdir(path, 0o755))

	w, err := New(path, Options{})
	require.NoError(t, err)
	err = w.WriteLine("x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAppend))
}

func TestWriter_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	clock := steppingClock()

	const writers, perWriter = 4, 150
	var wg sync.WaitGroup
	for id := 0; id < writers; id++ {
		// Separate Writer values take the flock independently, like separate processes.
		w, err := New(path, Options{MaxActiveLines: 20, SegmentMaxLines: 50, CheckEvery: 7, Now: clock})
		require.NoError(t, err)
		wg.Add(1)
		go func(id int, w *Writer) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, w.WriteLine(fmt.Sprintf("%d:%d", id, i)))
			}
		}(id, w)
	}
	wg.Wait()

	next := make(map[int]int)
	total := 0
	require.NoError(t, ReplayStream(path, "", func(line []byte) error {
		var id, i int
		_, err := fmt.Sscanf(string(line), "%d:%d", &id, &i)
		require.NoError(t, err)
		assert.Equal(t, next[id], i, "writer %d out of order", id)
		next[id] = i + 1
		total++
		return nil
	}))
	assert.Equal(t, writers*perWriter, total)
}

func TestReplay_ReadsCompressedSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	sealed := filepath.Join(dir, "archived", "20200101_000000")
	require.NoError(t, os.MkdirAll(sealed, 0o755))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("old-1\nold-2\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(sealed, "events.jsonl.gz"), buf.Bytes(), 0o644))

	w, err := New(path, Options{MaxActiveLines: 1, CheckEvery: 2, Now: steppingClock()})
	require.NoError(t, err)
	for _, l := range []string{"a", "b", "c"} {
		require.NoError(t, w.WriteLine(l))
	}

	assert.Equal(t, []string{"old-1", "old-2", "a", "b", "c"}, replayAll(t, w))

	segments, err := w.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2, "sealed segment must not be appended to")

	var out bytes.Buffer
	n, err := Export(path, "", &out)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	zr, err := gzip.NewReader(&out)
	require.NoError(t, err)
	var plain bytes.Buffer
	_, err = plain.ReadFrom(zr)
	require.NoError(t, err)
	assert.Equal(t, "old-1\nold-2\na\nb\nc\n", plain.String())
}

func TestWithEnvDefaults(t *testing.T) {
	t.Setenv("VDM_EVENTS_MAX_MB", "3")
	t.Setenv("VDM_EVENTS_MAX_LINES", "500")
	t.Setenv("VDM_LOG_ROLL_CHECK_EVERY", "9")

	o := WithEnvDefaults("/tmp/run/events.jsonl", Options{SegmentMaxLines: 7})
	assert.Equal(t, int64(3*mib), o.MaxActiveBytes)
	assert.Equal(t, 500, o.MaxActiveLines)
	assert.Equal(t, int64(512*mib), o.SegmentMaxBytes)
	assert.Equal(t, 7, o.SegmentMaxLines)
	assert.Equal(t, 9, o.CheckEvery)

	l := WithEnvDefaults("/tmp/run/app.log", Options{})
	assert.Equal(t, int64(128*mib), l.MaxActiveBytes)
	assert.Equal(t, int64(256*mib), l.SegmentMaxBytes)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategoryEvents, CategoryFor("/x/events.jsonl"))
	assert.Equal(t, CategoryUTD, CategoryFor("/x/utd_events.jsonl"))
	assert.Equal(t, CategoryLog, CategoryFor("/x/other.jsonl"))
}

func TestProperty_RoundTripLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("archive segments, plain or sealed, followed by the active file replay every line once in order", prop.ForAll(
		func(lines []string, activeCap, segmentCap, checkEvery int, compress bool) bool {
			dir, err := os.MkdirTemp("", "rolling-property-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			w, err := New(filepath.Join(dir, "events.jsonl"), Options{
				MaxActiveLines:  activeCap,
				SegmentMaxLines: segmentCap,
				CheckEvery:      checkEvery,
				CompressSealed:  compress,
				Now:             steppingClock(),
			})
			if err != nil {
				return false
			}
			for _, l := range lines {
				if w.WriteLine(l) != nil {
					return false
				}
			}
			if w.Enforce() != nil {
				return false
			}

			var got []string
			if err := w.Replay(func(line []byte) error {
				got = append(got, string(line))
				return nil
			}); err != nil {
				return false
			}
			if len(got) != len(lines) {
				return false
			}
			for i := range lines {
				if got[i] != lines[i] {
					return false
				}
			}

			n, err := countLines(w.Path())
			if err != nil || n > activeCap {
				return false
			}
			segments, err := w.Segments()
			if err != nil {
				return false
			}
			for i, seg := range segments {
				n, err := segmentLineCount(seg)
				if err != nil || n > segmentCap {
					return false
				}
				sealed := strings.HasSuffix(seg, ".gz")
				if compress && i < len(segments)-1 && !sealed {
					return false
				}
				if !compress && sealed {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 10),
		gen.IntRange(1, 15),
		gen.IntRange(1, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
