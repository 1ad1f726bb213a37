package rolling

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/vdmtel/internal/metrics"
)

// Category groups streams that share default caps and environment overrides.
type Category string

const (
	CategoryEvents Category = "EVENTS"
	CategoryUTD    Category = "UTD"
	CategoryLog    Category = "LOG"
)

const (
	mib = 1024 * 1024

	// DefaultCheckEvery is how many writes pass between enforcement passes.
	DefaultCheckEvery = 200
)

// Options configures a Writer. Zero caps mean "no cap of that kind". When both
// active caps are set the line cap wins.
type Options struct {
	MaxActiveBytes  int64
	MaxActiveLines  int
	ArchiveDir      string
	SegmentMaxBytes int64
	SegmentMaxLines int
	CheckEvery      int

	// CompressSealed gzips each archive segment once the writer rotates past it.
	CompressSealed bool

	Logger  log.FieldLogger
	Metrics *metrics.Metrics
	// Now names new archive segments; defaults to time.Now.
	Now func() time.Time
}

// CategoryFor derives a stream's category from its file name.
func CategoryFor(path string) Category {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case name == "events.jsonl":
		return CategoryEvents
	case strings.Contains(name, "utd"):
		return CategoryUTD
	default:
		return CategoryLog
	}
}

// WithEnvDefaults fills unset fields of o from VDM_<CATEGORY>_* environment
// variables and then from the built-in defaults for path's category:
//
//	VDM_<CAT>_MAX_MB, VDM_<CAT>_MAX_LINES,
//	VDM_<CAT>_ARCHIVE_SEGMENT_MB, VDM_<CAT>_ARCHIVE_SEGMENT_LINES,
//	VDM_LOG_ROLL_CHECK_EVERY
//
// Line caps have no built-in default; byte caps are used unless one is set.
func WithEnvDefaults(path string, o Options) Options {
	cat := CategoryFor(path)
	activeMB, segmentMB := int64(256), int64(512)
	if cat == CategoryLog {
		activeMB, segmentMB = 128, 256
	}
	prefix := "VDM_" + string(cat) + "_"

	if o.MaxActiveBytes == 0 {
		o.MaxActiveBytes = envInt64(prefix+"MAX_MB", activeMB) * mib
	}
	if o.MaxActiveLines == 0 {
		o.MaxActiveLines = int(envInt64(prefix+"MAX_LINES", 0))
	}
	if o.SegmentMaxBytes == 0 {
		o.SegmentMaxBytes = envInt64(prefix+"ARCHIVE_SEGMENT_MB", segmentMB) * mib
	}
	if o.SegmentMaxLines == 0 {
		o.SegmentMaxLines = int(envInt64(prefix+"ARCHIVE_SEGMENT_LINES", 0))
	}
	if o.CheckEvery == 0 {
		o.CheckEvery = int(envInt64("VDM_LOG_ROLL_CHECK_EVERY", DefaultCheckEvery))
	}
	return o
}

func envInt64(name string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (o Options) normalized(path string) Options {
	if o.ArchiveDir == "" {
		o.ArchiveDir = filepath.Join(filepath.Dir(path), "archived")
	}
	if o.CheckEvery <= 0 {
		o.CheckEvery = DefaultCheckEvery
	}
	if o.MaxActiveBytes < 0 {
		o.MaxActiveBytes = 0
	}
	if o.MaxActiveLines < 0 {
		o.MaxActiveLines = 0
	}
	if o.SegmentMaxBytes < 0 {
		o.SegmentMaxBytes = 0
	}
	if o.SegmentMaxLines < 0 {
		o.SegmentMaxLines = 0
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
