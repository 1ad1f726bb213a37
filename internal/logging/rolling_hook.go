package logging

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/vdmtel/internal/rolling"
)

// RollingHook mirrors log entries as JSON lines into a bounded rolling stream.
type RollingHook struct {
	writer *rolling.Writer
	levels []log.Level
}

// logLine is one mirrored entry.
type logLine struct {
	Time    string         `json:"ts"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Caller  string         `json:"caller,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// NewRollingHook returns a hook that writes entries at minLevel or more severe.
func NewRollingHook(w *rolling.Writer, minLevel log.Level) *RollingHook {
	var levels []log.Level
	for _, l := range log.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &RollingHook{writer: w, levels: levels}
}

// Levels implements logrus.Hook.
func (h *RollingHook) Levels() []log.Level { return h.levels }

// Fire implements logrus.Hook. Write failures are returned to logrus, which
// reports them on stderr without failing the log call.
func (h *RollingHook) Fire(entry *log.Entry) error {
	line := logLine{
		Time:    entry.Time.UTC().Format(time.RFC3339Nano),
		Level:   entry.Level.String(),
		Message: entry.Message,
	}
	if entry.Caller != nil {
		line.Caller = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	if len(entry.Data) > 0 {
		line.Fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			line.Fields[k] = v
		}
	}

	data, err := json.Marshal(line)
	if err != nil {
		line.Fields = map[string]any{"marshal_error": err.Error()}
		if data, err = json.Marshal(line); err != nil {
			return err
		}
	}
	return h.writer.WriteLine(string(data))
}

// Writer returns the underlying rolling writer.
func (h *RollingHook) Writer() *rolling.Writer { return h.writer }
